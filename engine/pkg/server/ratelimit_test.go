package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	newHandler := func(rl *rateLimiter) http.Handler {
		return rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}

	t.Run("requests over the budget get 429 with retry-after", func(t *testing.T) {
		t.Parallel()
		rl := &rateLimiter{limit: 1, burst: 2, clients: make(map[string]*clientLimiter)}
		h := newHandler(rl)

		var last *httptest.ResponseRecorder
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			last = httptest.NewRecorder()
			h.ServeHTTP(last, req)
		}
		require.Equal(t, http.StatusTooManyRequests, last.Code)
		require.Equal(t, "1", last.Header().Get("Retry-After"))
	})

	t.Run("buckets are per client", func(t *testing.T) {
		t.Parallel()
		rl := &rateLimiter{limit: 1, burst: 1, clients: make(map[string]*clientLimiter)}
		h := newHandler(rl)

		for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
