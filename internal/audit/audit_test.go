package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Record(context.Background(), Event{
		Name: "upload.policy", Workspace: "acme", Actor: "u1", Outcome: OutcomeRejected,
		Reason: "oversized", Size: 42, Fields: map[string]any{"mode": "direct"},
	})
	sink.Record(context.Background(), Event{Name: "ingestion", Outcome: OutcomeSuccess, Duration: time.Second})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	assert.Equal(t, true, ctx["audit"])
	assert.Equal(t, "oversized", ctx["reason"])
	assert.Equal(t, "direct", ctx["mode"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Record(context.Background(), Event{Name: "a"})
	r.Record(context.Background(), Event{Name: "b"})
	r.Record(context.Background(), Event{Name: "a"})
	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.Named("a"), 2)
}
