package app

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed web/index.html
var indexHTML []byte

// readinessCheck reports whether the log store can serve requests.
type readinessCheck func(ctx context.Context) error

type httpDeps struct {
	log     Logger
	cfg     Config
	ready   readinessCheck // nil for the in-memory store
	ws      http.Handler
	metrics prometheus.Gatherer
}

func newRouter(d httpDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, d.log) })

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(indexHTML)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.ready == nil {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}

		if d.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.ready(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(d.metrics, promhttp.HandlerOpts{}))

	r.Get("/ws", d.ws.ServeHTTP)

	return r
}
