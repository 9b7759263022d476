package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/warden"
)

const defaultPageSize = 50

type verdictResponse struct {
	Address           string       `json:"address"`
	State             domain.State `json:"state"`
	Blocked           bool         `json:"blocked"`
	Reason            string       `json:"reason,omitempty"`
	Rule              string       `json:"rule,omitempty"`
	RetryAfterSeconds int          `json:"retry_after_seconds,omitempty"`
}

func toVerdictResponse(v domain.Verdict) verdictResponse {
	return verdictResponse{
		Address:           v.Address,
		State:             v.State,
		Blocked:           v.Blocked(),
		Reason:            v.Reason,
		Rule:              v.Rule,
		RetryAfterSeconds: v.RetryAfterSeconds(),
	}
}

// evaluate answers GET /api/evaluate?ip=...; full=true adds the feed and
// country checks of the request path.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	eval := s.svc.Evaluate
	if full {
		eval = s.svc.Check
	}
	verdict, err := eval(r.Context(), ip)
	if err != nil {
		writeServiceError(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, toVerdictResponse(verdict))
}

type attemptRequest struct {
	IP       string `json:"ip"`
	Identity string `json:"identity"`
}

type attemptResponse struct {
	Verdict     verdictResponse `json:"verdict"`
	Attempts    int64           `json:"attempts"`
	Whitelisted bool            `json:"whitelisted"`
	BlockedNow  bool            `json:"blocked_now"`
}

func (s *Server) recordAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.svc.RecordFailedAttempt(r.Context(), req.IP, req.Identity)
	if err != nil {
		writeServiceError(w, "record attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, attemptResponse{
		Verdict:     toVerdictResponse(out.Verdict),
		Attempts:    out.Attempts,
		Whitelisted: out.Whitelisted,
		BlockedNow:  out.BlockedNow,
	})
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.BlockFilter{
		Query:    q.Get("q"),
		Source:   domain.Source(q.Get("source")),
		Page:     1,
		PageSize: defaultPageSize,
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		filter.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil && size > 0 {
		filter.PageSize = min(size, 1000)
	}

	page, err := s.svc.ListActiveBlocks(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "list blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type blockRequest struct {
	Target          string `json:"target"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DurationMinutes < 0 {
		writeError(w, "duration_minutes must not be negative", http.StatusBadRequest)
		return
	}
	res, err := s.svc.BlockManually(r.Context(), warden.BlockRequest{
		Target:   req.Target,
		Reason:   req.Reason,
		Source:   domain.SourceRestAPI,
		Duration: time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		writeServiceError(w, "block", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type targetRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.svc.Unblock(r.Context(), req.Target, req.Reason)
	if err != nil {
		writeServiceError(w, "unblock", err)
		return
	}
	if !removed {
		writeError(w, "no block found for target", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	Lines  []string `json:"lines"`
	Text   string   `json:"text"`
	Reason string   `json:"reason"`
}

func (s *Server) importBlocks(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lines := req.Lines
	if req.Text != "" {
		lines = append(lines, strings.Split(req.Text, "\n")...)
	}
	res, err := s.svc.ImportBlocks(r.Context(), lines, req.Reason)
	if err != nil {
		writeServiceError(w, "import blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) clearAsnCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.svc.ClearAsnCache(r.Context())
	if err != nil {
		writeServiceError(w, "clear asn cache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
