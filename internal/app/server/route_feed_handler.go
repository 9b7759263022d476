package server

import "net/http"

// syncFeed runs the blacklist pipeline and returns its report. A failed run
// answers 503 with the same report body.
func (s *Server) syncFeed(w http.ResponseWriter, r *http.Request) {
	report := s.svc.SyncFeedNow(r.Context())
	status := http.StatusOK
	if !report.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) feedStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.SyncStatus(r.Context())
	if err != nil {
		writeServiceError(w, "feed status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
