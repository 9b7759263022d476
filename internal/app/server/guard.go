package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
)

// Guard rejects requests whose client address is blocked by any rule, the
// feed-derived set or the country policy.
func (s *Server) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, s.trustProxy())
		verdict, err := s.svc.Check(r.Context(), ip)
		if err != nil {
			log.Warn("Unparseable client address, letting request through", "remote", r.RemoteAddr, "client", ip)
			next.ServeHTTP(w, r)
			return
		}
		if !verdict.Blocked() {
			next.ServeHTTP(w, r)
			return
		}

		log.Debug("Request denied", "address", verdict.Address, "state", verdict.State, "rule", verdict.Rule)
		if secs := verdict.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// ClientIP picks the client address. Forwarding headers are only honoured
// when the server sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); validIP(ip) {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); validIP(xri) {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func validIP(s string) bool {
	_, ok := address.ParseAddr(s)
	return ok
}
