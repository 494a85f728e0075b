// Package metrics runs a standalone HTTP server exposing Prometheus metrics
// and pprof profiles, kept off the tracker's announce port.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
)

// Server serves the metrics and debug endpoints.
type Server struct {
	srv *http.Server
}

// Stop shuts down the server.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()

	return c.Result()
}

func newHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	for profile, h := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc("/debug/pprof/"+profile, h)
	}

	return mux
}

// NewServer starts serving the metrics endpoints on addr in the background.
func NewServer(addr string) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newHandler(),
			ReadHeaderTimeout: time.Second * 60,
		},
	}

	go func() {
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving metrics", log.Err(err))
		}
	}()

	return s
}
