package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/session"
)

var base = time.Date(2024, 3, 9, 16, 0, 0, 0, time.UTC)

func seed(t *testing.T, frags ...insight.Fragment) *Service {
	t.Helper()
	reg := registry.New(session.DefaultConfig(), registry.DefaultPolicy(), classifier.Default())
	for _, f := range frags {
		agg, err := reg.GetOrCreate(f.SessionID)
		require.NoError(t, err)
		_, err = agg.Apply(f)
		require.NoError(t, err)
	}
	return New(reg)
}

func frag(seq int64, role insight.Role, speaker, text string) insight.Fragment {
	return insight.Fragment{
		SessionID: "S1",
		Seq:       seq,
		Role:      role,
		Speaker:   speaker,
		Text:      text,
		Timestamp: base.Add(time.Duration(seq) * 5 * time.Second),
	}
}

func pricingCall() []insight.Fragment {
	return []insight.Fragment{
		frag(1, insight.RoleRep, "", "What's your pricing tier for 50 seats?"),
		frag(2, insight.RoleProspect, "", "We're also evaluating Acme Corp"),
		frag(3, insight.RoleProspect, "", "That's a bit above budget right now"),
	}
}

func TestGetInsightsPricingCall(t *testing.T) {
	svc := seed(t, pricingCall()...)

	snap, err := svc.GetInsights("S1")
	require.NoError(t, err)

	competitors := snap.Signals[insight.CategoryCompetitorMention]
	require.Len(t, competitors, 1)
	assert.Contains(t, competitors[0].Summary, "Acme Corp")

	objections := snap.Signals[insight.CategoryObjection]
	require.Len(t, objections, 1)
	assert.Contains(t, objections[0].Summary, "budget")

	assert.Empty(t, snap.Signals[insight.CategoryBuyingSignal])
	assert.Equal(t, insight.StatusActive, snap.Status)
}

func TestGetInsightsUnknownSession(t *testing.T) {
	svc := seed(t)

	_, err := svc.GetInsights("nope")
	assert.ErrorIs(t, err, insight.ErrNotFound)
	_, err = svc.Summary("nope")
	assert.ErrorIs(t, err, insight.ErrNotFound)
	_, err = svc.Transcript("nope")
	assert.ErrorIs(t, err, insight.ErrNotFound)
	_, err = svc.Coaching("nope")
	assert.ErrorIs(t, err, insight.ErrNotFound)
}

func TestFilteredInsights(t *testing.T) {
	svc := seed(t, pricingCall()...)

	got, err := svc.FilteredInsights("S1", Filter{Category: insight.CategoryObjection})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Total)
	assert.Equal(t, map[insight.Category]int{insight.CategoryObjection: 1}, got.Summary)

	got, err = svc.FilteredInsights("S1", Filter{MinConfidence: 0.99})
	require.NoError(t, err)
	assert.Zero(t, got.Total)

	_, err = svc.FilteredInsights("S1", Filter{MinConfidence: 1.5})
	assert.Error(t, err)
}

func TestCoaching(t *testing.T) {
	svc := seed(t, pricingCall()...)

	c, err := svc.Coaching("S1")
	require.NoError(t, err)
	require.Len(t, c.Coaching[insight.CategoryObjection], 1)
	tip := c.Coaching[insight.CategoryObjection][0]
	assert.NotEmpty(t, tip.Suggestion)
	assert.Equal(t, "above budget", tip.Trigger)
	assert.Equal(t, []int64{3}, tip.Sources)
	assert.Equal(t, 2, c.Total)
}

func TestSummary(t *testing.T) {
	svc := seed(t,
		frag(1, insight.RoleRep, "SPEAKER_01", "What's your pricing tier for 50 seats?"),
		frag(2, insight.RoleProspect, "SPEAKER_02", "We're also evaluating Acme Corp"),
		frag(3, insight.RoleProspect, "", "Too much"),
	)

	sum, err := svc.Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalSegments)
	assert.Equal(t, 14, sum.TotalWords)
	require.Len(t, sum.Speakers, 3)
	assert.Equal(t, "SPEAKER_01", sum.Speakers[0].Speaker)
	assert.Equal(t, 7, sum.Speakers[0].Words)
	assert.InDelta(t, 50.0, sum.Speakers[0].TalkRatio, 1e-9)
	assert.Equal(t, "PROSPECT", sum.Speakers[2].Speaker)
	require.NotNil(t, sum.DurationSeconds)
	assert.InDelta(t, 10.0, *sum.DurationSeconds, 1e-9)
}

func TestSummarySingleSegmentHasNoDuration(t *testing.T) {
	svc := seed(t, frag(1, insight.RoleRep, "", "hello"))

	sum, err := svc.Summary("S1")
	require.NoError(t, err)
	assert.Nil(t, sum.DurationSeconds)
}

func TestTranscriptIsInSequenceOrder(t *testing.T) {
	f := pricingCall()
	svc := seed(t, f[0], f[2], f[1])

	tr, err := svc.Transcript("S1")
	require.NoError(t, err)
	require.Len(t, tr.Lines, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{tr.Lines[0].Seq, tr.Lines[1].Seq, tr.Lines[2].Seq})
	assert.Equal(t, "[REP]: What's your pricing tier for 50 seats?\n"+
		"[PROSPECT]: We're also evaluating Acme Corp\n"+
		"[PROSPECT]: That's a bit above budget right now", tr.PlainText)
}

func TestListAndStrongest(t *testing.T) {
	svc := seed(t, pricingCall()...)

	list, stats := svc.List()
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Fragments)
	assert.Equal(t, 1, stats.Sessions)

	snap, err := svc.GetInsights("S1")
	require.NoError(t, err)
	top := Strongest(snap, 1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(2), top[0].FirstSource(), "equal confidence falls back to the earliest source")
}
