package httpserver

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"messenger/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with panic recovery, request logging and request
// metrics installed, and /metrics exposed.
func New() *Server {
	r := mux.NewRouter()
	r.Use(Recover, Logging, Metrics(observability.APIRequests))
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return &Server{Mux: r}
}
