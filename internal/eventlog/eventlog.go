// Package eventlog journals session lifecycle and ingestion events to the
// session_events table.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/negocia/internal/insight"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventFragmentRejected EventType = "fragment_rejected"
	EventGapDetected      EventType = "gap_detected"
	EventClassifyFailed   EventType = "classify_failed"
	EventSignalDetected   EventType = "signal_detected"
	EventSessionIdle      EventType = "session_idle"
	EventSessionClosed    EventType = "session_closed"
	EventSessionEvicted   EventType = "session_evicted"
	EventPersistFailed    EventType = "persist_failed"
)

// Event is a journal entry. Its JSON encoding is stored as event_data.
type Event interface {
	Type() EventType
}

type SessionCreated struct{}

type FragmentRejected struct {
	Seq     int64  `json:"seq"`
	Outcome string `json:"outcome"`
	Error   string `json:"error"`
}

type GapDetected struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type ClassifyFailed struct {
	Seq   int64  `json:"seq"`
	Error string `json:"error"`
}

// SignalDetected records the candidates of one fragment that became or
// reinforced signals.
type SignalDetected struct {
	Seq    int64 `json:"seq"`
	New    int   `json:"new"`
	Merged int   `json:"merged"`
}

type SessionIdle struct{}

type SessionClosed struct {
	Reason    string                   `json:"reason"` // explicit or idle_timeout
	Fragments int                      `json:"fragments"`
	Signals   map[insight.Category]int `json:"signals"`
}

type SessionEvicted struct{}

type PersistFailed struct {
	Error string `json:"error"`
}

func (SessionCreated) Type() EventType   { return EventSessionCreated }
func (FragmentRejected) Type() EventType { return EventFragmentRejected }
func (GapDetected) Type() EventType      { return EventGapDetected }
func (ClassifyFailed) Type() EventType   { return EventClassifyFailed }
func (SignalDetected) Type() EventType   { return EventSignalDetected }
func (SessionIdle) Type() EventType      { return EventSessionIdle }
func (SessionClosed) Type() EventType    { return EventSessionClosed }
func (SessionEvicted) Type() EventType   { return EventSessionEvicted }
func (PersistFailed) Type() EventType    { return EventPersistFailed }

// DefaultQueueSize bounds the events waiting for the background writer.
const DefaultQueueSize = 1024

const writeTimeout = 2 * time.Second

type insertFunc func(ctx context.Context, sessionID string, eventType EventType, data []byte) error

type entry struct {
	sessionID string
	eventType EventType
	data      []byte
}

// Logger writes events to the database. LogAsync hands events to a single
// background writer through a bounded queue; when the queue is full the
// event is dropped and counted rather than blocking ingestion.
type Logger struct {
	insert insertFunc

	mu      sync.RWMutex
	closed  bool
	queue   chan entry
	done    chan struct{}
	dropped atomic.Int64
}

// New creates an event logger backed by db. A nil db yields a logger that
// discards everything.
func New(db *pgxpool.Pool) *Logger {
	if db == nil {
		return &Logger{}
	}
	return newLogger(func(ctx context.Context, sessionID string, eventType EventType, data []byte) error {
		_, err := db.Exec(ctx, `
			INSERT INTO session_events (session_id, event_type, event_data)
			VALUES ($1, $2, $3)
		`, sessionID, string(eventType), data)
		return err
	}, DefaultQueueSize)
}

func newLogger(insert insertFunc, size int) *Logger {
	l := &Logger{
		insert: insert,
		queue:  make(chan entry, size),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = l.insert(ctx, e.sessionID, e.eventType, e.data)
		cancel()
	}
}

func (l *Logger) enabled() bool {
	return l != nil && l.insert != nil
}

func encode(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Log writes an event synchronously.
func (l *Logger) Log(ctx context.Context, sessionID string, ev Event) error {
	if !l.enabled() || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}
	return l.insert(ctx, sessionID, ev.Type(), encode(ev))
}

// LogAsync queues an event without blocking the caller.
func (l *Logger) LogAsync(sessionID string, ev Event) {
	if !l.enabled() || sessionID == "" {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.queue <- entry{sessionID: sessionID, eventType: ev.Type(), data: encode(ev)}:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full queue or after
// Close.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are written
// or ctx is done.
func (l *Logger) Close(ctx context.Context) error {
	if !l.enabled() {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
