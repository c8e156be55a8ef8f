/*Package monitor exposes the running trace over HTTP: a small chi route
table serving JSON snapshots of the live statistics.

The server is optional; it only starts when an address is configured, and
it never writes to stdout.
*/
package monitor

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/petertorelli/joulescope-go/trace"
)

// Server serves trace statistics.
type Server struct {
	snap func() trace.Snapshot
}

// New builds a server around a stats snapshot source.
func New(snap func() trace.Snapshot) *Server {
	return &Server{snap: snap}
}

// Routes assembles the route table.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stats", s.getStats)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snap()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe starts the server in the background.  Failures are
// logged, not fatal: the monitor is an observer, never a dependency.
func (s *Server) ListenAndServe(addr string) {
	go func() {
		if err := http.ListenAndServe(addr, s.Routes()); err != nil {
			log.Printf("monitor: %v", err)
		}
	}()
}
