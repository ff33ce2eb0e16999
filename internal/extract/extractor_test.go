package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestKindFromName(t *testing.T) {
	tests := []struct {
		name, mime string
		want       Kind
	}{
		{"report.pdf", "", KindPDF},
		{"blob", "application/pdf", KindPDF},
		{"page.HTM", "", KindHTML},
		{"page", "text/html; charset=utf-8", KindHTML},
		{"memo.docx", "", KindDOCX},
		{"memo", MIMEDOCX, KindDOCX},
		{"notes.md", "text/plain", KindMarkdown},
		{"notes.markdown", "", KindMarkdown},
		{"data.json", "", KindJSON},
		{"data", "application/json", KindJSON},
		{"readme.txt", "", KindText},
		{"readme", "text/csv", KindText},
		{"archive.zip", "application/zip", KindUnknown},
		{"", "", KindUnknown},
		// html wins over text/* because it is checked first
		{"index.html", "text/plain", KindHTML},
	}
	for _, tt := range tests {
		if got := KindFromName(tt.name, tt.mime); got != tt.want {
			t.Errorf("KindFromName(%q, %q) = %q, want %q", tt.name, tt.mime, got, tt.want)
		}
	}
}

func TestBaseMIMEType(t *testing.T) {
	if got := BaseMIMEType("Text/Plain; charset=UTF-8"); got != "text/plain" {
		t.Errorf("got %q", got)
	}
	if got := BaseMIMEType(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestParse_plain(t *testing.T) {
	got := Parse([]byte("Hello world\nLine 2"), Metadata{Name: "a.txt"})
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestParse_plainInvalidUTF8(t *testing.T) {
	got := Parse([]byte("hello\x80world"), Metadata{Name: "a.txt"})
	if got != "helloworld" {
		t.Errorf("got %q", got)
	}
}

func TestParse_unknownIsText(t *testing.T) {
	got := Parse([]byte("raw bytes"), Metadata{Name: "blob.bin", MIMEType: "application/octet-stream"})
	if got != "raw bytes" {
		t.Errorf("got %q", got)
	}
}

func TestParse_json(t *testing.T) {
	got := Parse([]byte(`{"a":1,"b":[true,null]}`), Metadata{Name: "x.json"})
	want := "{\n  \"a\": 1,\n  \"b\": [\n    true,\n    null\n  ]\n}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParse_invalidJSONFallsBackToText(t *testing.T) {
	got := Parse([]byte(`{"a":`), Metadata{Name: "x.json"})
	if got != `{"a":` {
		t.Errorf("got %q", got)
	}
}

func TestParse_markdown(t *testing.T) {
	src := "# Title\n\nSome *emphasis* and a [link](http://x.y).\n\n- one\n- two\n\n```go\nfmt.Println(1)\n```\n"
	got := Parse([]byte(src), Metadata{Name: "doc.md"})
	for _, want := range []string{"Title", "Some emphasis and a link.", "one", "two", "fmt.Println(1)"} {
		if !strings.Contains(got, want) {
			t.Errorf("markdown text %q missing %q", got, want)
		}
	}
	if strings.ContainsAny(got, "#*[]`") {
		t.Errorf("markup left in %q", got)
	}
}

func TestParse_html(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "blocks become lines",
			src:  "<html><head><title>T</title></head><body><h1>Heading</h1><p>Body text</p></body></html>",
			want: "Heading\nBody text",
		},
		{
			name: "scripts and styles dropped",
			src:  `<body><style>p{color:red}</style><p class="x">Visible</p><script>if (a < b) alert(1)</script></body>`,
			want: "Visible",
		},
		{
			name: "unclosed tags",
			src:  "<p>one<p>two<ul><li>a<li>b",
			want: "one\ntwo\na\nb",
		},
		{
			name: "entities decoded",
			src:  "<p>Fish &amp; chips&nbsp;&lt;3</p>",
			want: "Fish & chips <3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse([]byte(tt.src), Metadata{Name: "page.html"}); got != tt.want {
				t.Errorf("Parse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse_htmlWithoutTextDegrades(t *testing.T) {
	src := "<html><body><script>init()</script></body></html>"
	if got := Parse([]byte(src), Metadata{Name: "app.html"}); got != UnparsableHTML {
		t.Errorf("got %q, want %q", got, UnparsableHTML)
	}
	if _, err := extractHTML([]byte(src)); err != errEmptyHTML {
		t.Errorf("extractHTML err = %v, want errEmptyHTML", err)
	}
}

func TestParse_pdfInvalidReturnsSentinel(t *testing.T) {
	got := Parse([]byte("not a pdf"), Metadata{Name: "bad.pdf"})
	if got != UnparsablePDF {
		t.Errorf("got %q", got)
	}
}

func TestParse_docxInvalidReturnsSentinel(t *testing.T) {
	got := Parse([]byte("not a zip"), Metadata{Name: "bad.docx"})
	if got != UnparsableDOCX {
		t.Errorf("got %q", got)
	}
}

func buildDocx(t *testing.T, docXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(contentTypesPath)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte(`<?xml version="1.0"?><Types><Override PartName="/word/document.xml" ContentType="` + docxMainContentType + `"/></Types>`))
	w, err = zw.Create(docxDocumentXMLPath)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte(docXML))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParse_docx(t *testing.T) {
	doc := `<w:document><w:body>` +
		`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Fish &amp; chips</w:t></w:r></w:p>` +
		`</w:body></w:document>`
	got := Parse(buildDocx(t, doc), Metadata{Name: "memo.docx"})
	if got != "Hello world\nFish & chips" {
		t.Errorf("got %q", got)
	}
}
