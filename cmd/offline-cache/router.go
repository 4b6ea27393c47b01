package main

import (
	"encoding/json"
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const adminPrefix = "/.offline-cache"

// newRouter mounts the admin endpoints in front of the engine.
// Everything not matched by an admin route goes to the engine.
func newRouter(engine *offlinecache.Engine, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get(adminPrefix+"/status", statusHandler(engine))
	r.Post(adminPrefix+"/sweep", sweepHandler(engine))
	r.Handle("/*", engine)
	return r
}

func statusHandler(engine *offlinecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := engine.Status()
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not get status")
			http.Error(w, "Could not get status", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write status")
		}
	}
}

func sweepHandler(engine *offlinecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine.RequestSweep()
		w.WriteHeader(http.StatusAccepted)
	}
}
