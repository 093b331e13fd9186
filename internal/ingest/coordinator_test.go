package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/session"
)

const t0 = int64(1710000000000)

func event(seq int64, role, text string) RawEvent {
	return RawEvent{SessionID: "S1", Seq: Int64(seq), Role: role, Text: text, TimestampMs: Int64(t0 + seq*1000)}
}

func newCoordinator(t *testing.T, c session.Classifier, cfg Config) (*Coordinator, *registry.Registry) {
	t.Helper()
	if c == nil {
		c = classifier.Default()
	}
	reg := registry.New(session.DefaultConfig(), registry.DefaultPolicy(), c)
	return NewCoordinator(reg, cfg), reg
}

type panicClassifier struct{}

func (panicClassifier) Classify(insight.Fragment, []insight.Fragment) ([]classifier.Candidate, error) {
	panic("detector exploded")
}

func TestIngestAcceptsAndApplies(t *testing.T) {
	c, reg := newCoordinator(t, nil, DefaultConfig())
	ctx := context.Background()

	for _, ev := range []RawEvent{
		event(1, "rep", "What's your pricing tier for 50 seats?"),
		event(2, "prospect", "We're also evaluating Acme Corp"),
		event(3, "customer", "That's a bit above budget right now"),
	} {
		res := c.Ingest(ctx, ev)
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeAccepted, res.Outcome)
		assert.False(t, res.Retryable())
	}

	agg, err := reg.Get("S1")
	require.NoError(t, err)
	transcript := agg.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, insight.RoleRep, transcript[0].Role)
	assert.Equal(t, insight.RoleProspect, transcript[2].Role)
	assert.Equal(t, time.UnixMilli(t0+3000).UTC(), transcript[2].Timestamp)
	assert.False(t, transcript[2].ArrivedAt.IsZero())
}

func TestIngestDuplicateIsAccepted(t *testing.T) {
	c, _ := newCoordinator(t, nil, DefaultConfig())
	ev := event(1, "prospect", "That's a bit above budget right now")

	first := c.Ingest(context.Background(), ev)
	second := c.Ingest(context.Background(), ev)
	assert.Equal(t, OutcomeAccepted, first.Outcome)
	assert.Equal(t, OutcomeAccepted, second.Outcome)
	assert.Equal(t, session.OutcomeApplied, first.Apply.Kind)
	assert.Equal(t, session.OutcomeDuplicate, second.Apply.Kind)
}

func TestIngestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		ev   RawEvent
	}{
		{"missing session", RawEvent{Seq: Int64(1), Role: "rep", Text: "hi", TimestampMs: Int64(t0)}},
		{"missing role", RawEvent{SessionID: "S1", Seq: Int64(1), Text: "hi", TimestampMs: Int64(t0)}},
		{"missing text", RawEvent{SessionID: "S1", Seq: Int64(1), Role: "rep", TimestampMs: Int64(t0)}},
		{"blank text", RawEvent{SessionID: "S1", Seq: Int64(1), Role: "rep", Text: "   ", TimestampMs: Int64(t0)}},
		{"missing seq", RawEvent{SessionID: "S1", Role: "rep", Text: "hi", TimestampMs: Int64(t0)}},
		{"negative seq", RawEvent{SessionID: "S1", Seq: Int64(-1), Role: "rep", Text: "hi", TimestampMs: Int64(t0)}},
		{"missing timestamp", RawEvent{SessionID: "S1", Seq: Int64(1), Role: "rep", Text: "hi"}},
		{"unknown event", RawEvent{Event: "restart", SessionID: "S1"}},
		{"oversized text", RawEvent{SessionID: "S1", Seq: Int64(1), Role: "rep", Text: strings.Repeat("a", MaxTextBytes+1), TimestampMs: Int64(t0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, reg := newCoordinator(t, nil, DefaultConfig())
			res := c.Ingest(context.Background(), tt.ev)
			assert.Equal(t, OutcomeRejectedTerminal, res.Outcome)
			assert.ErrorIs(t, res.Err, insight.ErrMalformedEvent)
			assert.False(t, res.Retryable())
			assert.Zero(t, reg.Stats().Sessions, "malformed events never reach a session")
		})
	}
}

func TestIngestAcceptsZeroSeqAndTimestamp(t *testing.T) {
	c, reg := newCoordinator(t, nil, DefaultConfig())
	ctx := context.Background()

	first := RawEvent{SessionID: "S1", Seq: Int64(0), Role: "prospect", Text: "That's too expensive", TimestampMs: Int64(t0)}
	res := c.Ingest(ctx, first)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, int64(0), res.Seq)

	epoch := RawEvent{SessionID: "S1", Seq: Int64(1), Role: "rep", Text: "Let me check", TimestampMs: Int64(0)}
	res = c.Ingest(ctx, epoch)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	agg, err := reg.Get("S1")
	require.NoError(t, err)
	transcript := agg.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, int64(0), transcript[0].Seq)
	assert.Equal(t, time.UnixMilli(0).UTC(), transcript[1].Timestamp)
}

func TestIngestEndEventClosesSession(t *testing.T) {
	c, _ := newCoordinator(t, nil, DefaultConfig())
	ctx := context.Background()

	require.Equal(t, OutcomeAccepted, c.Ingest(ctx, event(1, "prospect", "hello")).Outcome)

	res := c.Ingest(ctx, RawEvent{Event: EventEnd, SessionID: "S1"})
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Closed)

	res = c.Ingest(ctx, event(2, "prospect", "one more thing"))
	assert.Equal(t, OutcomeRejectedTerminal, res.Outcome)
	assert.ErrorIs(t, res.Err, insight.ErrSessionClosed)
	assert.False(t, res.Retryable())

	res = c.Ingest(ctx, RawEvent{Event: EventEnd, SessionID: "unknown"})
	assert.Equal(t, OutcomeRejectedTerminal, res.Outcome)
	assert.ErrorIs(t, res.Err, insight.ErrNotFound)
}

func TestIngestRateLimit(t *testing.T) {
	c, _ := newCoordinator(t, nil, Config{RatePerSec: 0.001, Burst: 2})
	ctx := context.Background()

	assert.Equal(t, OutcomeAccepted, c.Ingest(ctx, event(1, "prospect", "one")).Outcome)
	assert.Equal(t, OutcomeAccepted, c.Ingest(ctx, event(2, "prospect", "two")).Outcome)

	res := c.Ingest(ctx, event(3, "prospect", "three"))
	assert.Equal(t, OutcomeRejectedOverload, res.Outcome)
	assert.ErrorIs(t, res.Err, insight.ErrTooManyFragments)
	assert.True(t, res.Retryable())

	other := event(1, "prospect", "independent")
	other.SessionID = "S2"
	assert.Equal(t, OutcomeAccepted, c.Ingest(ctx, other).Outcome)

	c.Forget("S1")
	assert.Equal(t, OutcomeAccepted, c.Ingest(ctx, event(3, "prospect", "three")).Outcome)
}

func TestIngestFragmentCapIsOverload(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.MaxFragments = 1
	reg := registry.New(cfg, registry.DefaultPolicy(), classifier.Default())
	c := NewCoordinator(reg, Config{})

	assert.Equal(t, OutcomeAccepted, c.Ingest(context.Background(), event(1, "prospect", "one")).Outcome)
	res := c.Ingest(context.Background(), event(2, "prospect", "two"))
	assert.Equal(t, OutcomeRejectedOverload, res.Outcome)
}

func TestIngestRecoversPanics(t *testing.T) {
	c, reg := newCoordinator(t, panicClassifier{}, DefaultConfig())

	res := c.Ingest(context.Background(), event(1, "prospect", "anything"))
	assert.Equal(t, OutcomeRejectedRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, insight.ErrTransient)
	assert.True(t, res.Retryable())

	agg, err := reg.Get("S1")
	require.NoError(t, err)
	assert.Zero(t, agg.Snapshot().FragmentCount, "a failed apply mutates nothing")
}

func TestIngestHonoursCancellation(t *testing.T) {
	c, reg := newCoordinator(t, nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Ingest(ctx, event(1, "prospect", "hello"))
	assert.Equal(t, OutcomeRejectedRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, insight.ErrTransient)
	assert.Zero(t, reg.Stats().Sessions)
}

func TestIngestDrainingRegistryIsRetryable(t *testing.T) {
	c, reg := newCoordinator(t, nil, DefaultConfig())
	require.NoError(t, reg.Shutdown(context.Background()))

	res := c.Ingest(context.Background(), event(1, "prospect", "hello"))
	assert.Equal(t, OutcomeRejectedRetryable, res.Outcome)
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in   string
		want insight.Role
	}{
		{"rep", insight.RoleRep},
		{" Agent ", insight.RoleRep},
		{"SELLER", insight.RoleRep},
		{"user", insight.RoleRep},
		{"prospect", insight.RoleProspect},
		{"Customer", insight.RoleProspect},
		{"buyer", insight.RoleProspect},
		{"client", insight.RoleProspect},
		{"SPEAKER_02", insight.RoleUnknown},
		{"", insight.RoleUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRole(tt.in), "role %q", tt.in)
	}
}
