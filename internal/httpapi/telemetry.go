package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/turnline-ai/turnline/internal/telemetry"
)

// maxIngestBody bounds /ingest payloads; a whole-turn report is well under
// a kilobyte.
const maxIngestBody = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
}

const (
	// maxEventsLimit caps how many raw events /events returns per request.
	maxEventsLimit = 200

	// defaultEventsLimit is used when /events has no limit parameter.
	defaultEventsLimit = 50
)

// handleIngest accepts one latency payload: either a single milestone event
// or a whole-turn report carrying every milestone at once. The two shapes are
// told apart by the presence of the "milestone" field.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", "unreadable request body")
		return
	}

	var probe struct {
		Milestone *string `json:"milestone"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	if probe.Milestone != nil {
		s.ingestEvent(w, r, body)
		return
	}
	s.ingestReport(w, r, body)
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var ev telemetry.LatencyEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if ev.Schema != telemetry.SchemaVersion {
		respondError(w, http.StatusBadRequest, "unsupported_schema",
			"schema must be "+strconv.Itoa(telemetry.SchemaVersion))
		return
	}
	if ev.CallID == "" || ev.TurnID == "" {
		respondError(w, http.StatusBadRequest, "missing_id", "call_id and turn_id are required")
		return
	}

	s.agg.Ingest(ev)
	if s.metrics != nil {
		s.metrics.RecordIngestedEvent(r.Context(), ev.Milestone.String())
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) ingestReport(w http.ResponseWriter, r *http.Request, body []byte) {
	var rep telemetry.TurnReport
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rep); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if rep.Schema != telemetry.SchemaVersion {
		respondError(w, http.StatusBadRequest, "unsupported_schema",
			"schema must be "+strconv.Itoa(telemetry.SchemaVersion))
		return
	}
	if rep.CallID == "" || rep.TurnID == "" {
		respondError(w, http.StatusBadRequest, "missing_id", "call_id and turn_id are required")
		return
	}

	s.agg.IngestReport(rep)
	if s.metrics != nil {
		for _, ev := range rep.Events() {
			s.metrics.RecordIngestedEvent(r.Context(), ev.Milestone.String())
		}
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSummary serves round-trip statistics over the requested rolling
// window. window_sec defaults to the configured window.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window := s.defaultWindow.Load()
	if raw := r.URL.Query().Get("window_sec"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || v == 0 {
			respondError(w, http.StatusBadRequest, "invalid_window", "window_sec must be a positive integer")
			return
		}
		window = uint32(v)
	}
	respondJSON(w, http.StatusOK, s.agg.Summary(window))
}

// handleEvents serves the most recently ingested raw events, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(v, maxEventsLimit)
	}

	events := s.agg.RecentEvents(limit)
	if events == nil {
		events = []telemetry.LatencyEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}
