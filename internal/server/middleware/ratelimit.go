package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// CommandLimit caps how often one client may issue a given chain command.
// Each command has its own budget, so a burst of commits does not lock a
// client out of abandoning. Limiter errors let the request through.
func CommandLimit(limiter domain.RateLimiter, command string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(window.Seconds())))
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			allowed, err := limiter.Allow(r.Context(), commandKey(command, client), limit, window)
			if err != nil {
				logger.WarnContext(r.Context(), "command rate limiter unavailable",
					slog.String("command", command),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				logger.InfoContext(r.Context(), "command rate limited",
					slog.String("command", command),
					slog.String("client", client),
				)
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, command+" rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func commandKey(command, client string) string {
	return "cmd:" + command + ":" + client
}

// clientAddr is the first X-Forwarded-For hop, else X-Real-IP, else the
// peer address.
func clientAddr(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
