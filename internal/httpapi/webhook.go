package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lukasbauer/negocia/internal/ingest"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/session"
)

const maxWebhookBody = 1 << 20

// omiSegment is one transcription segment as delivered by Omi.
type omiSegment struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker,omitempty"`
	IsUser    bool    `json:"is_user"`
	Timestamp float64 `json:"timestamp"` // unix seconds
	Seq       *int64  `json:"seq,omitempty"`
}

type omiPayload struct {
	SessionID string       `json:"session_id"`
	Segments  []omiSegment `json:"segments"`
}

// segmentSeq derives the sequence number of a segment without an explicit
// seq. Segments are identified by timestamp and text: the millisecond
// timestamp orders them and a text hash in the low three digits keeps
// segments that share a timestamp apart.
func segmentSeq(ms int64, text string) int64 {
	return ms*1000 + int64(xxhash.Sum64String(strings.TrimSpace(text))%1000)
}

// event converts the segment into a raw pipeline event.
func (s omiSegment) event(sessionID string) ingest.RawEvent {
	ms := int64(math.Round(s.Timestamp * 1000))
	seq := segmentSeq(ms, s.Text)
	if s.Seq != nil {
		seq = *s.Seq
	}
	role := string(insight.RoleProspect)
	if s.IsUser {
		role = string(insight.RoleRep)
	}
	return ingest.RawEvent{
		Event:       ingest.EventTranscript,
		SessionID:   sessionID,
		Role:        role,
		Speaker:     s.Speaker,
		Text:        s.Text,
		Seq:         &seq,
		TimestampMs: &ms,
	}
}

type segmentResult struct {
	Seq       int64  `json:"seq"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type webhookResponse struct {
	Status           string          `json:"status"`
	SessionID        string          `json:"session_id"`
	SegmentsReceived int             `json:"segments_received"`
	Results          []segmentResult `json:"results"`
}

func (r *Router) handleOmiWebhook(w http.ResponseWriter, req *http.Request) {
	key := req.Header.Get("X-Idempotency-Key")
	if cached, ok := r.idem.get(key); ok {
		r.logger.Printf("webhook: idempotent replay key=%s", key)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.status)
		_, _ = w.Write(cached.body)
		return
	}
	if !r.inflight.Add() {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	defer r.inflight.Done()

	var body omiPayload
	if err := json.NewDecoder(io.LimitReader(req.Body, maxWebhookBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.SessionID == "" || len(body.Segments) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "session_id and at least one segment are required")
		return
	}

	resp := webhookResponse{Status: "ok", SessionID: body.SessionID}
	status := http.StatusOK
	for _, seg := range body.Segments {
		res := r.coord.Ingest(req.Context(), seg.event(body.SessionID))
		resp.Results = append(resp.Results, resultView(res))
		if res.Outcome == ingest.OutcomeAccepted {
			if res.Apply.Kind == session.OutcomeApplied {
				resp.SegmentsReceived++
			}
			continue
		}
		status = worseStatus(status, statusFor(res))
		if res.Outcome == ingest.OutcomeRejectedRetryable {
			captureError(req, res.Err, "webhook ingest failed")
		}
	}

	r.logger.Printf("webhook: received session_id=%s segments=%d accepted=%d status=%d",
		body.SessionID, len(body.Segments), resp.SegmentsReceived, status)

	if status != http.StatusOK {
		resp.Status = "partial"
		if resp.SegmentsReceived == 0 {
			resp.Status = "rejected"
		}
	}
	r.writeIngestResponse(w, status, resp, key)
}

// handleEndSession closes a session on an explicit end-of-call signal.
func (r *Router) handleEndSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	res := r.coord.Ingest(req.Context(), ingest.RawEvent{Event: ingest.EventEnd, SessionID: id})
	if res.Outcome != ingest.OutcomeAccepted {
		r.writeRejection(w, req, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "session_id": id})
}

// handleRawEvent accepts one event in the pipeline's native shape.
func (r *Router) handleRawEvent(w http.ResponseWriter, req *http.Request) {
	if !r.inflight.Add() {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	defer r.inflight.Done()

	var ev ingest.RawEvent
	if err := json.NewDecoder(io.LimitReader(req.Body, maxWebhookBody)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res := r.coord.Ingest(req.Context(), ev)
	if res.Outcome != ingest.OutcomeAccepted {
		r.writeRejection(w, req, res)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res))
}

func (r *Router) writeRejection(w http.ResponseWriter, req *http.Request, res ingest.Result) {
	status := statusFor(res)
	if res.Outcome == ingest.OutcomeRejectedRetryable {
		captureError(req, res.Err, "ingest failed")
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resultView(res))
}

// writeIngestResponse writes resp and caches it under key when it succeeded.
func (r *Router) writeIngestResponse(w http.ResponseWriter, status int, resp webhookResponse, key string) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(resp)
	if status == http.StatusOK {
		r.idem.put(key, status, buf.Bytes())
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func resultView(res ingest.Result) segmentResult {
	v := segmentResult{
		Seq:       res.Seq,
		Outcome:   string(res.Outcome),
		Duplicate: res.Apply.Kind == session.OutcomeDuplicate,
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

// statusFor maps an ingest result onto an HTTP status.
func statusFor(res ingest.Result) int {
	switch res.Outcome {
	case ingest.OutcomeAccepted:
		return http.StatusOK
	case ingest.OutcomeRejectedOverload:
		return http.StatusTooManyRequests
	case ingest.OutcomeRejectedRetryable:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(res.Err, insight.ErrMalformedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Err, insight.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// worseStatus keeps the status a client must act on first: retryable
// failures, then overload, then terminal rejections.
func worseStatus(cur, next int) int {
	if rank(next) > rank(cur) {
		return next
	}
	return cur
}

func rank(status int) int {
	switch status {
	case http.StatusServiceUnavailable:
		return 3
	case http.StatusTooManyRequests:
		return 2
	case http.StatusOK:
		return 0
	default:
		return 1
	}
}
