package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/negocia/internal/insight"
)

type written struct {
	sessionID string
	eventType EventType
	data      string
}

type recorder struct {
	mu   sync.Mutex
	rows []written
	gate chan struct{}
}

func (r *recorder) insert(_ context.Context, sessionID string, eventType EventType, data []byte) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, written{sessionID, eventType, string(data)})
	return nil
}

func (r *recorder) snapshot() []written {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]written(nil), r.rows...)
}

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestEventTypeConstants(t *testing.T) {
	expectedEvents := map[EventType]string{
		EventSessionCreated:   "session_created",
		EventFragmentRejected: "fragment_rejected",
		EventGapDetected:      "gap_detected",
		EventClassifyFailed:   "classify_failed",
		EventSignalDetected:   "signal_detected",
		EventSessionIdle:      "session_idle",
		EventSessionClosed:    "session_closed",
		EventSessionEvicted:   "session_evicted",
		EventPersistFailed:    "persist_failed",
	}

	for eventType, expectedValue := range expectedEvents {
		if string(eventType) != expectedValue {
			t.Errorf("EventType %q = %q, want %q", expectedValue, string(eventType), expectedValue)
		}
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		ev   Event
		want EventType
	}{
		{SessionCreated{}, EventSessionCreated},
		{FragmentRejected{}, EventFragmentRejected},
		{GapDetected{}, EventGapDetected},
		{ClassifyFailed{}, EventClassifyFailed},
		{SignalDetected{}, EventSignalDetected},
		{SessionIdle{}, EventSessionIdle},
		{SessionClosed{}, EventSessionClosed},
		{SessionEvicted{}, EventSessionEvicted},
		{PersistFailed{}, EventPersistFailed},
	}
	for _, tt := range tests {
		if got := tt.ev.Type(); got != tt.want {
			t.Errorf("%T.Type() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{SessionCreated{}, `{}`},
		{GapDetected{From: 4, To: 6}, `{"from":4,"to":6}`},
		{FragmentRejected{Seq: 7, Outcome: "rejected_terminal", Error: "session is closed"},
			`{"seq":7,"outcome":"rejected_terminal","error":"session is closed"}`},
		{SignalDetected{Seq: 3, New: 1, Merged: 2}, `{"seq":3,"new":1,"merged":2}`},
		{SessionClosed{Reason: "explicit", Fragments: 3, Signals: map[insight.Category]int{insight.CategoryObjection: 1}},
			`{"reason":"explicit","fragments":3,"signals":{"objection":1}}`},
	}
	for _, tt := range tests {
		if got := string(encode(tt.ev)); got != tt.want {
			t.Errorf("encode(%T) = %s, want %s", tt.ev, got, tt.want)
		}
	}
}

func TestLoggerNew(t *testing.T) {
	// Test that New returns a non-nil logger even with nil DB
	logger := New(nil)
	if logger == nil {
		t.Fatal("New(nil) should return a non-nil logger")
	}
	logger.LogAsync("test-session-id", SessionCreated{})
	if err := logger.Log(context.Background(), "test-session-id", SessionClosed{Reason: "explicit"}); err != nil {
		t.Errorf("Log with nil DB should return nil error, got %v", err)
	}
	if err := logger.Close(context.Background()); err != nil {
		t.Errorf("Close with nil DB should return nil error, got %v", err)
	}
	if logger.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", logger.Dropped())
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger

	logger.LogAsync("S1", GapDetected{From: 1, To: 2})
	if err := logger.Log(context.Background(), "S1", GapDetected{From: 1, To: 2}); err != nil {
		t.Errorf("Log on nil logger should return nil error, got %v", err)
	}
	if err := logger.Close(context.Background()); err != nil {
		t.Errorf("Close on nil logger should return nil error, got %v", err)
	}
	if logger.Dropped() != 0 {
		t.Errorf("Dropped on nil logger = %d", logger.Dropped())
	}
}

func TestLoggerSkipsEmptySessionID(t *testing.T) {
	rec := &recorder{}
	logger := newLogger(rec.insert, 4)

	logger.LogAsync("", SessionCreated{})
	if err := logger.Log(context.Background(), "", SessionClosed{Reason: "explicit"}); err != nil {
		t.Errorf("Log with empty session ID should return nil error, got %v", err)
	}
	closeLogger(t, logger)

	if rows := rec.snapshot(); len(rows) != 0 {
		t.Errorf("rows = %+v, want none", rows)
	}
}

func TestLoggerLogWritesSynchronously(t *testing.T) {
	rec := &recorder{}
	logger := newLogger(rec.insert, 4)
	defer closeLogger(t, logger)

	if err := logger.Log(context.Background(), "S1", PersistFailed{Error: "disk full"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	rows := rec.snapshot()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].sessionID != "S1" || rows[0].eventType != EventPersistFailed || rows[0].data != `{"error":"disk full"}` {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestLogAsyncWritesInOrder(t *testing.T) {
	rec := &recorder{}
	logger := newLogger(rec.insert, 16)

	logger.LogAsync("S1", SessionCreated{})
	logger.LogAsync("S1", GapDetected{From: 2, To: 3})
	logger.LogAsync("S1", SessionIdle{})
	closeLogger(t, logger)

	rows := rec.snapshot()
	want := []EventType{EventSessionCreated, EventGapDetected, EventSessionIdle}
	if len(rows) != len(want) {
		t.Fatalf("rows = %d, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].eventType != w {
			t.Errorf("row %d = %s, want %s", i, rows[i].eventType, w)
		}
	}
	if rows[1].data != `{"from":2,"to":3}` {
		t.Errorf("gap data = %s", rows[1].data)
	}
	if logger.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", logger.Dropped())
	}
}

func TestLogAsyncDropsWhenQueueFull(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	logger := newLogger(rec.insert, 2)

	// The writer takes the first event and blocks on the gate; two more fill
	// the queue.
	logger.LogAsync("S1", SessionCreated{})
	deadline := time.Now().Add(time.Second)
	for len(logger.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	logger.LogAsync("S1", SessionIdle{})
	logger.LogAsync("S1", SessionIdle{})
	logger.LogAsync("S1", SessionEvicted{})
	logger.LogAsync("S1", SessionEvicted{})

	if got := logger.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	close(rec.gate)
	closeLogger(t, logger)
	if rows := rec.snapshot(); len(rows) != 3 {
		t.Errorf("rows = %d, want 3", len(rows))
	}
}

func TestLogAsyncAfterClose(t *testing.T) {
	rec := &recorder{}
	logger := newLogger(rec.insert, 4)
	closeLogger(t, logger)

	logger.LogAsync("S1", SessionCreated{})
	if got := logger.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	// A second Close is harmless.
	closeLogger(t, logger)
	if rows := rec.snapshot(); len(rows) != 0 {
		t.Errorf("rows = %+v, want none", rows)
	}
}

func TestCloseHonorsContext(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	logger := newLogger(rec.insert, 4)
	logger.LogAsync("S1", SessionCreated{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := logger.Close(ctx); err == nil {
		t.Error("Close should report the context error while the writer is blocked")
	}

	close(rec.gate)
	closeLogger(t, logger)
	if rows := rec.snapshot(); len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
}
