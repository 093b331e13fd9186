package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/negocia/internal/insight"
)

func testConfig() Config {
	for _, key := range configKeys {
		os.Unsetenv(key)
	}
	return LoadConfigFromEnv()
}

const webhookBody = `{"session_id":"call-1","segments":[
	{"text":"That's a bit above budget right now","timestamp":1710000000,"seq":1}
]}`

func TestNewWithoutPersistence(t *testing.T) {
	a, err := New(testConfig(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	h := a.Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/omi/webhook", strings.NewReader(webhookBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/insights/call-1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "above budget") {
		t.Errorf("insights = %d %s", rec.Code, rec.Body.String())
	}

	if err := a.Drain(context.Background()); err != nil {
		t.Errorf("Drain failed: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after drain = %d, want 503", rec.Code)
	}
}

func TestDrainExportsToBadger(t *testing.T) {
	cfg := testConfig()
	cfg.BadgerPath = filepath.Join(t.TempDir(), "exports")

	a, err := New(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/omi/webhook", strings.NewReader(webhookBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, err := a.badger.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get export failed: %v", err)
	}
	if got.Snapshot.FragmentCount != 1 || len(got.Snapshot.Signals[insight.CategoryObjection]) != 1 {
		t.Errorf("export = %+v", got.Snapshot)
	}
	if len(got.Transcript) != 1 {
		t.Errorf("transcript length = %d, want 1", len(got.Transcript))
	}
}

func TestNewRejectsBadRulesFile(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("categories: [not, a, map"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.RulesFile = path

	if _, err := New(cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Error("New should fail on an unparsable rules file")
	}
}

func TestNewLoadsRulesFile(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := "categories:\n  objection:\n    - phrase: \"way too pricey\"\n      confidence: 0.9\n      suggestion: \"Reframe on ROI.\"\n"
	if err := os.WriteFile(path, []byte(rules), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.RulesFile = path

	a, err := New(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	body := `{"session_id":"call-2","segments":[{"text":"Honestly this is way too pricey","timestamp":1710000000,"seq":1}]}`
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/omi/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	snap, err := a.query.GetInsights("call-2")
	if err != nil {
		t.Fatalf("GetInsights: %v", err)
	}
	objections := snap.Signals[insight.CategoryObjection]
	if len(objections) != 1 || objections[0].Suggestion != "Reframe on ROI." {
		t.Errorf("objections = %+v", objections)
	}
}
