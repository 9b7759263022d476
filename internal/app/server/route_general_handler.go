package server

import (
	"net/http"

	"ipwarden/internal/config"
)

// SettingsStore is the live configuration the settings endpoints read and
// replace.
type SettingsStore interface {
	GetConfig() config.Config
	SetConfig(cfg config.Config) error
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetConfig())
}

// putSettings merges the body over the current settings, so omitted sections
// keep their values.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.GetConfig()
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.settings.SetConfig(cfg); err != nil {
		writeServiceError(w, "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetConfig())
}
