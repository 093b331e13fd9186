package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/ingest"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/query"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/session"
)

const maxLineBytes = 1 << 20

type options struct {
	Rules         string
	MinConfidence float64
	ContextWindow int
	Top           int
	Transcript    bool
}

type rejection struct {
	Line      int            `json:"line"`
	SessionID string         `json:"session_id,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Outcome   ingest.Outcome `json:"outcome"`
	Error     string         `json:"error"`
}

type sessionReport struct {
	Insights   query.Insights    `json:"insights"`
	Strongest  []insight.Signal  `json:"strongest"`
	Summary    query.Summary     `json:"summary"`
	Transcript *query.Transcript `json:"transcript,omitempty"`
}

type report struct {
	Events   int                    `json:"events"`
	Outcomes map[ingest.Outcome]int `json:"outcomes"`
	Rejected []rejection            `json:"rejected,omitempty"`
	Sessions []sessionReport        `json:"sessions"`
}

var errRejected = errors.New("some events were rejected")

func runReplay(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	opts := options{
		Rules:         rulesFile,
		MinConfidence: minConfidence,
		ContextWindow: contextWindow,
		Top:           topN,
		Transcript:    withTranscript,
	}
	logger := log.New(cmd.ErrOrStderr(), "", 0)
	rep, err := replay(cmd.Context(), in, opts, logger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if strict && len(rep.Rejected) > 0 {
		return fmt.Errorf("%w: %d of %d", errRejected, len(rep.Rejected), rep.Events)
	}
	return nil
}

// replay applies every event read from r to a fresh in-process pipeline and
// reports the resulting state of each session.
func replay(ctx context.Context, r io.Reader, opts options, logger *log.Logger) (report, error) {
	cls := classifier.Default()
	if opts.Rules != "" {
		rules, err := classifier.LoadRules(opts.Rules)
		if err != nil {
			return report{}, err
		}
		cls = classifier.FromRules(rules)
	}

	cfg := session.DefaultConfig()
	cfg.MinConfidence = opts.MinConfidence
	cfg.ContextWindow = opts.ContextWindow
	reg := registry.New(cfg, registry.DefaultPolicy(), cls, registry.WithLogger(logger))
	coord := ingest.NewCoordinator(reg, ingest.Config{}, ingest.WithLogger(logger))
	svc := query.New(reg)

	rep := report{Outcomes: make(map[ingest.Outcome]int)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		rep.Events++

		var ev ingest.RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			rep.Outcomes[ingest.OutcomeRejectedTerminal]++
			rep.Rejected = append(rep.Rejected, rejection{
				Line:    line,
				Outcome: ingest.OutcomeRejectedTerminal,
				Error:   fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		res := coord.Ingest(ctx, ev)
		rep.Outcomes[res.Outcome]++
		if res.Outcome != ingest.OutcomeAccepted {
			rep.Rejected = append(rep.Rejected, rejection{
				Line:      line,
				SessionID: res.SessionID,
				Seq:       res.Seq,
				Outcome:   res.Outcome,
				Error:     fmt.Sprint(res.Err),
			})
		}
	}
	if err := sc.Err(); err != nil {
		return rep, fmt.Errorf("read line %d: %w", line+1, err)
	}

	infos, _ := svc.List()
	for _, info := range infos {
		sr, err := sessionView(svc, info.SessionID, opts)
		if err != nil {
			return rep, err
		}
		rep.Sessions = append(rep.Sessions, sr)
	}
	return rep, nil
}

func sessionView(svc *query.Service, id string, opts options) (sessionReport, error) {
	ins, err := svc.FilteredInsights(id, query.Filter{})
	if err != nil {
		return sessionReport{}, err
	}
	sum, err := svc.Summary(id)
	if err != nil {
		return sessionReport{}, err
	}
	sr := sessionReport{
		Insights:  ins,
		Strongest: query.Strongest(ins.Snapshot, opts.Top),
		Summary:   sum,
	}
	if opts.Transcript {
		tr, err := svc.Transcript(id)
		if err != nil {
			return sessionReport{}, err
		}
		sr.Transcript = &tr
	}
	return sr, nil
}
