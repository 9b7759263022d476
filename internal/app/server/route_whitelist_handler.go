package server

import "net/http"

func (s *Server) listWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListWhitelist(r.Context())
	if err != nil {
		writeServiceError(w, "list whitelist", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": len(entries)})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := s.svc.AllowManually(r.Context(), req.Target, req.Reason)
	if err != nil {
		writeServiceError(w, "allow", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) removeAllowed(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.svc.RemoveAllowed(r.Context(), req.Target)
	if err != nil {
		writeServiceError(w, "remove whitelist", err)
		return
	}
	if !removed {
		writeError(w, "target is not whitelisted", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
