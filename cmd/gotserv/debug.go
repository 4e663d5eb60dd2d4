package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"

	tnet "badc0de.net/pkg/gotserv/net"
)

func debugHandler(s *tnet.Server) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/requests", trace.Traces)
	r.HandleFunc("/debug/events", trace.Events)
	r.HandleFunc("/debug/minimetrics", func(w http.ResponseWriter, r *http.Request) {
		allocated, free := s.Pool.Stats()
		fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
		fmt.Fprintf(w, "connections: %d\n", s.Connections.Len())
		fmt.Fprintf(w, "dispatcher: %s, %d queued\n", s.Dispatcher.State(), s.Dispatcher.Len())
		fmt.Fprintf(w, "scheduler: %d events\n", s.Scheduler.Len())
		fmt.Fprintf(w, "output messages: %d allocated, %d free\n", allocated, free)
	})
	return handlers.CombinedLoggingHandler(os.Stderr, r)
}

// serveDebug starts the debug server and returns a function stopping it.
func serveDebug(addr string, s *tnet.Server) func() {
	srv := &http.Server{Addr: addr, Handler: debugHandler(s)}
	go func() {
		glog.Infof("debug server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("debug server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
