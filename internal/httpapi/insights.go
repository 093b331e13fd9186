package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/query"
	"github.com/lukasbauer/negocia/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// sessionDetail is the raw view of one session: state plus its fragments.
type sessionDetail struct {
	SessionID     string         `json:"session_id"`
	Status        insight.Status `json:"status"`
	FragmentCount int            `json:"fragment_count"`
	HighestSeq    int64          `json:"highest_seq"`
	Duplicates    int            `json:"duplicates"`
	Gaps          []insight.Gap  `json:"gaps,omitempty"`
	Segments      []query.Line   `json:"segments"`
}

type sessionList struct {
	Sessions []query.SessionInfo `json:"sessions"`
	registry.Stats
}

func (r *Router) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos, stats := r.query.List()
	writeJSON(w, http.StatusOK, sessionList{Sessions: infos, Stats: stats})
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	snap, err := r.query.GetInsights(id)
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	tr, err := r.query.Transcript(id)
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{
		SessionID:     id,
		Status:        snap.Status,
		FragmentCount: snap.FragmentCount,
		HighestSeq:    snap.HighestSeq,
		Duplicates:    snap.Duplicates,
		Gaps:          snap.Gaps,
		Segments:      tr.Lines,
	})
}

func (r *Router) handleSessionSummary(w http.ResponseWriter, req *http.Request) {
	sum, err := r.query.Summary(req.PathValue("id"))
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (r *Router) handleSessionTranscript(w http.ResponseWriter, req *http.Request) {
	tr, err := r.query.Transcript(req.PathValue("id"))
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// handleGetInsights serves the insight snapshot, optionally narrowed by
// ?type= (or ?category=) and ?min_confidence=.
func (r *Router) handleGetInsights(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	f := query.Filter{Category: insight.Category(q.Get("type"))}
	if f.Category == "" {
		f.Category = insight.Category(q.Get("category"))
	}
	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, http.StatusUnprocessableEntity, "min_confidence must be a number between 0 and 1")
			return
		}
		f.MinConfidence = v
	}

	ins, err := r.query.FilteredInsights(req.PathValue("id"), f)
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (r *Router) handleCoaching(w http.ResponseWriter, req *http.Request) {
	c, err := r.query.Coaching(req.PathValue("id"))
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type wsCommand struct {
	Action string `json:"action"`
}

// handleInsightsWS streams the insight snapshot of a session. A snapshot is
// sent on connect, whenever the session version changes, and on a
// {"action":"refresh"} message. The stream ends when the client goes away,
// the session is evicted, or the server starts draining.
func (r *Router) handleInsightsWS(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.query.Version(id); err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	if !r.inflight.Add() {
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	defer r.inflight.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("ws: upgrade failed session_id=%s err=%v", id, err)
		return
	}
	defer conn.Close()
	r.logger.Printf("ws: connected session_id=%s", id)

	refresh := make(chan struct{}, 1)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if json.Unmarshal(data, &cmd) == nil && cmd.Action == "refresh" {
				select {
				case refresh <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(r.cfg.WSPollInterval)
	defer ticker.Stop()

	var sent uint64
	push := func(force bool) error {
		ins, err := r.query.FilteredInsights(id, query.Filter{})
		if err != nil {
			return err
		}
		if !force && ins.Version == sent {
			return nil
		}
		sent = ins.Version
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ins)
	}

	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	}

	if err := push(true); err != nil {
		r.logger.Printf("ws: initial push failed session_id=%s err=%v", id, err)
		return
	}
	for {
		var err error
		select {
		case <-gone:
			r.logger.Printf("ws: disconnected session_id=%s", id)
			return
		case <-r.inflight.Draining():
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-refresh:
			err = push(true)
		case <-ticker.C:
			err = push(false)
		}
		if errors.Is(err, insight.ErrNotFound) {
			closeWith(websocket.CloseNormalClosure, "session evicted")
			return
		}
		if err != nil {
			r.logger.Printf("ws: push failed session_id=%s err=%v", id, err)
			return
		}
	}
}
