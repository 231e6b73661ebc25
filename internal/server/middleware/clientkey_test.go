package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		trustXFF bool
		setup    func(r *http.Request)
		want     string
	}{
		{
			name:   "header wins",
			header: "X-Client",
			setup: func(r *http.Request) {
				r.Header.Set("X-Client", " client-123 ")
				r.Header.Set("X-Forwarded-For", "1.2.3.4")
			},
			want: "client-123",
		},
		{
			name:     "empty header falls through to forwarded for",
			header:   "X-Client",
			trustXFF: true,
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
			},
			want: "1.2.3.4",
		},
		{
			name: "untrusted forwarded for is ignored",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "1.2.3.4")
			},
			want: "10.0.0.9",
		},
		{
			name:  "remote host",
			setup: func(r *http.Request) {},
			want:  "10.0.0.9",
		},
		{
			name:  "remote addr without port",
			setup: func(r *http.Request) { r.RemoteAddr = "unix-socket" },
			want:  "unix-socket",
		},
		{
			name:  "nothing known",
			setup: func(r *http.Request) { r.RemoteAddr = "" },
			want:  "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
			r.RemoteAddr = "10.0.0.9:5555"
			tt.setup(r)
			assert.Equal(t, tt.want, DefaultKeyFunc(tt.header, tt.trustXFF)(r))
		})
	}
}

func TestClientKeyMiddleware(t *testing.T) {
	var got string
	handler := ClientKey(DefaultKeyFunc("X-Api-Client", false))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClientKey(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set("X-Api-Client", "tenant-a")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "tenant-a", got)
	assert.Empty(t, GetClientKey(req.Context()))
}
