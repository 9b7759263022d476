package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/auth"
	"ipwarden/internal/bruteforce"
	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/feedsync"
	"ipwarden/internal/metrics"
	"ipwarden/internal/warden"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 4 << 20
)

// Service is the part of the warden the HTTP layer drives.
type Service interface {
	Evaluate(ctx context.Context, raw string) (domain.Verdict, error)
	Check(ctx context.Context, raw string) (domain.Verdict, error)
	RecordFailedAttempt(ctx context.Context, raw, identity string) (bruteforce.Outcome, error)
	BlockManually(ctx context.Context, req warden.BlockRequest) (warden.BlockResult, error)
	Unblock(ctx context.Context, target, reason string) (bool, error)
	ListActiveBlocks(ctx context.Context, filter database.BlockFilter) (warden.BlockPage, error)
	ImportBlocks(ctx context.Context, lines []string, reason string) (warden.ImportResult, error)
	AllowManually(ctx context.Context, target, reason string) (domain.WhitelistEntry, error)
	RemoveAllowed(ctx context.Context, target string) (bool, error)
	ListWhitelist(ctx context.Context) ([]domain.WhitelistEntry, error)
	SyncFeedNow(ctx context.Context) *feedsync.Report
	SyncStatus(ctx context.Context) (warden.SyncStatus, error)
	ClearAsnCache(ctx context.Context) (int, error)
}

type Options struct {
	// TrustProxyHeaders is read per request so settings reloads apply.
	TrustProxyHeaders func() bool
	// Settings enables the settings endpoints when set.
	Settings SettingsStore
}

type Server struct {
	svc        Service
	trustProxy func() bool
	settings   SettingsStore
}

func New(svc Service, opts Options) *Server {
	trust := opts.TrustProxyHeaders
	if trust == nil {
		trust = func() bool { return false }
	}
	return &Server{svc: svc, trustProxy: trust, settings: opts.Settings}
}

// Routes builds the admin API. Every /api route requires an admin token.
func (s *Server) Routes() http.Handler {
	router := http.NewServeMux()

	admin := func(pattern string, h http.HandlerFunc) {
		router.Handle(pattern, auth.IsAdmin(h))
	}

	admin("GET /api/evaluate", s.evaluate)
	admin("POST /api/attempts", s.recordAttempt)

	admin("GET /api/blocks", s.listBlocks)
	admin("POST /api/blocks", s.block)
	admin("DELETE /api/blocks", s.unblock)
	admin("POST /api/blocks/import", s.importBlocks)

	admin("GET /api/whitelist", s.listWhitelist)
	admin("POST /api/whitelist", s.allow)
	admin("DELETE /api/whitelist", s.removeAllowed)

	admin("POST /api/feed/sync", s.syncFeed)
	admin("GET /api/feed/status", s.feedStatus)

	admin("DELETE /api/asn/cache", s.clearAsnCache)

	if s.settings != nil {
		admin("GET /api/settings", s.getSettings)
		admin("PUT /api/settings", s.putSettings)
	}

	router.Handle("GET /metrics", metrics.Handler())
	router.HandleFunc("GET /version", getVersion)
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log.Debug("Routes opened")
	return router
}

// Serve runs handler on port until ctx is cancelled, then drains in-flight
// requests.
func Serve(ctx context.Context, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipwarden on port :%d", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrStorage):
		log.Error("Storage failure", "op", op, "error", err)
		writeError(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		log.Error("Request failed", "op", op, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}
