package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pushpraj-rmx/mba/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request logging and per-route metrics.
func New() *Server {
	r := mux.NewRouter()
	r.Use(Logging, Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// Mount registers the realtime gateway. Upgrades go through the same
// middleware; statusWriter passes Hijack through.
func (s *Server) Mount(path string, h http.Handler) {
	s.Mux.Handle(path, h).Methods(http.MethodGet)
}
