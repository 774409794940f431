package audit

import (
	"log/slog"
	"testing"
	"time"
)

func TestLogNeverBlocksWhenFull(t *testing.T) {
	w := NewWriter(nil, slog.Default())

	// Without a running flusher the buffer fills; further Logs must drop
	// rather than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*2; i++ {
			w.Log(Entry{Action: "flag_update", Resource: "feature_flag"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full buffer")
	}
}

func TestNullable(t *testing.T) {
	if nullable("") != nil {
		t.Error("empty string should map to nil")
	}
	if v := nullable("203.0.113.9"); v == nil || *v != "203.0.113.9" {
		t.Error("non-empty string should round-trip")
	}
}
