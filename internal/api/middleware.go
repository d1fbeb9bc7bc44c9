package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/uiregress/internal/ratelimit"
)

// RateLimitMiddleware creates a middleware that enforces rate limits per client address
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.PerHour())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)

			if !limiter.Allow(client) {
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests,
					"Rate limit exceeded. Maximum "+limit+" requests per hour per client.")
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(client))))

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr returns the remote host without its port
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loggingMiddleware logs one line per request once it has been served
func loggingMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   m.Code,
				"bytes":    m.Written,
				"duration": m.Duration,
				"client":   clientAddr(r),
			}).Info("request served")
		})
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
