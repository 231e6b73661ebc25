package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientKeyContextKey struct{}

// KeyFunc derives the rate limiting key for a request.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers keyHeader when set and present, then the first
// X-Forwarded-For hop when trustXFF is enabled, then the remote host.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	keyHeader = strings.TrimSpace(keyHeader)
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// ClientKey stores the derived client key in the request context.
func ClientKey(fn KeyFunc) func(http.Handler) http.Handler {
	if fn == nil {
		fn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientKeyContextKey{}, fn(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientKey returns the client key stored by ClientKey, or "".
func GetClientKey(ctx context.Context) string {
	if key, ok := ctx.Value(clientKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}
