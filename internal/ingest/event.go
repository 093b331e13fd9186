package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lukasbauer/negocia/internal/insight"
)

// EventKind distinguishes transcript events from end-of-call events.
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventEnd        EventKind = "end"
)

// MaxTextBytes bounds the utterance text of one event.
const MaxTextBytes = 16 * 1024

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTextBytes
	})
}

// RawEvent is one event as delivered by a transport. End events only need a
// session id. Seq and TimestampMs are pointers so that an absent field is
// told apart from a legal zero.
type RawEvent struct {
	Event       EventKind `json:"event,omitempty" validate:"omitempty,oneof=transcript end"`
	SessionID   string    `json:"session_id" validate:"required,max=128,printascii"`
	Role        string    `json:"role" validate:"required_unless=Event end"`
	Speaker     string    `json:"speaker,omitempty" validate:"max=64"`
	Text        string    `json:"text" validate:"required_unless=Event end,maxbytes"`
	Seq         *int64    `json:"seq" validate:"required_unless=Event end"`
	TimestampMs *int64    `json:"timestamp_ms" validate:"required_unless=Event end"`
}

// Int64 returns a pointer to v, for building events in code.
func Int64(v int64) *int64 { return &v }

// SeqOrZero returns the sequence number, or 0 when it is absent.
func (e *RawEvent) SeqOrZero() int64 {
	if e.Seq == nil {
		return 0
	}
	return *e.Seq
}

// Validate checks the event and wraps any failure in
// insight.ErrMalformedEvent.
func (e *RawEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", insight.ErrMalformedEvent, err)
	}
	if e.Event == EventEnd {
		return nil
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: text is blank", insight.ErrMalformedEvent)
	}
	if e.Seq == nil || e.TimestampMs == nil {
		return fmt.Errorf("%w: seq and timestamp_ms are required", insight.ErrMalformedEvent)
	}
	if *e.Seq < 0 || *e.TimestampMs < 0 {
		return fmt.Errorf("%w: seq and timestamp_ms must not be negative", insight.ErrMalformedEvent)
	}
	return nil
}

// IsEnd reports whether the event closes its session.
func (e *RawEvent) IsEnd() bool { return e.Event == EventEnd }

// Fragment maps a validated transcript event to a fragment.
func (e *RawEvent) Fragment(arrived time.Time) insight.Fragment {
	return insight.Fragment{
		SessionID: e.SessionID,
		Seq:       *e.Seq,
		Role:      NormalizeRole(e.Role),
		Speaker:   strings.TrimSpace(e.Speaker),
		Text:      strings.TrimSpace(e.Text),
		Timestamp: time.UnixMilli(*e.TimestampMs).UTC(),
		ArrivedAt: arrived.UTC(),
	}
}

// NormalizeRole maps the role vocabularies of the supported transports to
// insight roles. Unrecognised labels become insight.RoleUnknown.
func NormalizeRole(role string) insight.Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "rep", "agent", "seller", "sales", "user", "is_user":
		return insight.RoleRep
	case "prospect", "customer", "buyer", "client", "lead":
		return insight.RoleProspect
	default:
		return insight.RoleUnknown
	}
}
