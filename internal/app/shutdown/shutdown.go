// Package shutdown implements the daemon's graceful-shutdown draining
// behavior: once a shutdown is in progress, new HTTP requests (including
// new long-poll and SSE clients) get a 503 instead of being accepted.
// Requests already in flight, including registered long-poll waiters and open
// SSE streams, are not interrupted. Grounded in shape on the teacher's serveCmd, which
// ties http.Server.Shutdown to cmd.Context().Done(); this package adds the
// explicit draining flag the teacher's simpler shutdown path didn't need.
package shutdown

import (
	"net/http"
	"sync/atomic"
)

// Drainer gates whether new requests are accepted.
type Drainer struct {
	draining atomic.Bool
}

func NewDrainer() *Drainer {
	return &Drainer{}
}

// Drain marks the daemon as shutting down; subsequent requests through Wrap
// get a 503 instead of reaching the handler.
func (d *Drainer) Drain() {
	d.draining.Store(true)
}

// Wrap returns a handler that passes requests to next until draining begins,
// and from then on answers every request with 503 shutting_down instead.
func (d *Drainer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.draining.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":"shutting_down","message":"server is shutting down"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
