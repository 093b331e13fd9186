package notifications

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lukasbauer/negocia/internal/insight"
)

func testSnapshot() insight.Snapshot {
	closed := time.Date(2024, 3, 9, 16, 30, 0, 0, time.UTC)
	return insight.Snapshot{
		SessionID:     "S1",
		Status:        insight.StatusClosed,
		FragmentCount: 3,
		ClosedAt:      &closed,
		Signals: map[insight.Category][]insight.Signal{
			insight.CategoryObjection: {
				{Category: insight.CategoryObjection, Summary: "That's a bit above budget right now", Confidence: 0.85},
			},
			insight.CategoryCompetitorMention: {
				{Category: insight.CategoryCompetitorMention, Summary: "Competitor mentioned: Acme Corp", Confidence: 0.85},
			},
		},
	}
}

func TestDiscordDisabled(t *testing.T) {
	d := NewDiscord("", log.New(io.Discard, "", 0))
	if d.Enabled() {
		t.Fatal("expected notifier without webhook to be disabled")
	}
	// Should not panic or send anything
	d.SessionClosed(context.Background(), testSnapshot())
}

func TestDiscordSessionClosed(t *testing.T) {
	got := make(chan discordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg discordMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
		got <- msg
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDiscord(srv.URL, log.New(io.Discard, "", 0))
	d.SessionClosed(ctx, testSnapshot())
	cancel() // delivery must not depend on the caller's context

	select {
	case msg := <-got:
		if len(msg.Embeds) != 1 {
			t.Fatalf("embeds = %d, want 1", len(msg.Embeds))
		}
		e := msg.Embeds[0]
		if e.Color != 0xFFA500 {
			t.Errorf("color = %#x, want orange", e.Color)
		}
		if e.Timestamp != "2024-03-09T16:30:00Z" {
			t.Errorf("timestamp = %q", e.Timestamp)
		}
		last := e.Fields[len(e.Fields)-1]
		if last.Name != "Top objection" || last.Value != "That's a bit above budget right now (85%)" {
			t.Errorf("last field = %+v", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestRecapOrdersCategories(t *testing.T) {
	msg := recap(testSnapshot())
	var names []string
	for _, f := range msg.Embeds[0].Fields {
		names = append(names, f.Name)
	}
	want := []string{"Fragments", "Signals", "objection", "competitor mention", "Top objection"}
	if len(names) != len(want) {
		t.Fatalf("fields = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("field %d = %q, want %q", i, names[i], want[i])
		}
	}
}
