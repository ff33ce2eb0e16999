package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
	if got := Truncate("日本語テキスト", 3); got != "日本語..." {
		t.Errorf("multibyte truncate got %q", got)
	}
}

func TestPrefix(t *testing.T) {
	if Prefix("abc", 5) != "abc" {
		t.Error("prefix longer than string should return string")
	}
	if Prefix("äbc", 1) != "ä" {
		t.Errorf("got %q", Prefix("äbc", 1))
	}
	if Prefix("abc", 0) != "" {
		t.Error("zero prefix should be empty")
	}
}

func TestChecksum(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Checksum([]byte("abc")); got != want {
		t.Errorf("Checksum = %s, want %s", got, want)
	}
	if ChecksumString("abc") != want {
		t.Error("ChecksumString differs from Checksum")
	}
}
