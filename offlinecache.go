package offlinecache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	apirules "github.com/always-cache/offline-cache/pkg/api-rules"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/freshness"
	"github.com/always-cache/offline-cache/pkg/generation"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrOffline is returned for navigation requests when neither the network
	// nor the cached root document can serve them.
	ErrOffline = errors.New("offline and no cached document")
	// ErrInstallFailed is returned when a manifest asset could not be fetched or stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled is returned when activating before a successful install.
	ErrNotInstalled = errors.New("generation not installed")
)

type Config struct {
	// Storage for cache tiers.
	Cache cache.Provider
	// URL of the application origin.
	// Origin-form requests are resolved against it, origins with paths are not supported.
	OriginURL url.URL
	// Current generation tag of each tier role, e.g. "5" for `static-v5`.
	StaticVersion string
	APIVersion    string
	// Application paths pre-cached on install.
	Manifest []string
	// Path of the document served for navigations while offline.
	// Defaults to the first manifest path ending in `index.html`, or the first manifest path.
	NavigationFallback string
	// External API providers, evaluated in order.
	APIRules apirules.Rules
	// Maximum age of a cached API response used as fallback, also the sweep interval.
	// Defaults to 24 hours.
	TTL time.Duration
	// Client used for all network requests. A client with a 30s timeout is used if nil.
	Client *http.Client
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Registerer for the engine's metrics. Metrics are not registered if nil.
	Registerer prometheus.Registerer
	// Clock, defaults to time.Now.
	Now func() time.Time
	// Maximum number of concurrent background revalidations. Defaults to 32.
	MaxBackground int
	// Timeout of a single background revalidation. Defaults to 30s.
	RevalidateTimeout time.Duration
}

type Engine struct {
	cache    cache.Provider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
	client   *http.Client
	now      func() time.Time
	rules    apirules.Rules
	manifest []string
	fallback string
	ttl      time.Duration
	metrics  *metrics

	// target generations of this deployment
	static generation.Generation
	api    generation.Generation
	// static generation requests are served from
	active atomic.Pointer[generation.Generation]
	state  atomic.Int32

	lifecycleMu sync.Mutex
	installed   bool
	sweeps      chan struct{}

	bgSem             chan struct{}
	bgWG              sync.WaitGroup
	bgMu              sync.Mutex // guards bgStopped and bgWG.Add
	bgStopped         bool
	revalidateTimeout time.Duration

	handlers map[EventKind]Handler
}

// New creates the engine.
// It does not touch the network; call Run to install and activate the configured generation.
func New(config Config) (*Engine, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("no cache provider configured")
	}
	if !config.OriginURL.IsAbs() {
		return nil, fmt.Errorf("origin url %q is not absolute", config.OriginURL.String())
	}
	if config.StaticVersion == "" || config.APIVersion == "" {
		return nil, fmt.Errorf("static and api versions are required")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	origin := config.OriginURL
	e := &Engine{
		cache:             config.Cache,
		keyer:             cachekey.NewCacheKeyer(&origin),
		log:               logger,
		client:            config.Client,
		now:               config.Now,
		rules:             config.APIRules,
		manifest:          append([]string(nil), config.Manifest...),
		fallback:          config.NavigationFallback,
		ttl:               config.TTL,
		static:            generation.New(generation.RoleStatic, config.StaticVersion),
		api:               generation.New(generation.RoleAPI, config.APIVersion),
		sweeps:            make(chan struct{}, 1),
		revalidateTimeout: config.RevalidateTimeout,
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 30 * time.Second}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.ttl <= 0 {
		e.ttl = freshness.DefaultTTL
	}
	if e.fallback == "" {
		e.fallback = defaultFallback(e.manifest)
	}
	if e.revalidateTimeout <= 0 {
		e.revalidateTimeout = 30 * time.Second
	}
	maxBackground := config.MaxBackground
	if maxBackground <= 0 {
		maxBackground = 32
	}
	e.bgSem = make(chan struct{}, maxBackground)

	m, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}
	e.metrics = m

	e.handlers = map[EventKind]Handler{
		EventInstall:  e.handleInstall,
		EventActivate: e.handleActivate,
		EventFetch:    e.handleFetch,
		EventTick:     e.handleTick,
	}

	active := e.previousStatic()
	e.active.Store(&active)
	e.log.Info().Str("serving", active.Name()).Str("target", e.static.Name()).Msg("Engine created")

	return e, nil
}

func defaultFallback(manifest []string) string {
	for _, p := range manifest {
		if strings.HasSuffix(p, "/index.html") {
			return p
		}
	}
	if len(manifest) > 0 {
		return manifest[0]
	}
	return "/index.html"
}

// ServeHTTP implements the http.Handler interface.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer e.recover(w, r)
	res, err := e.Dispatch(r.Context(), Event{Kind: EventFetch, Request: r})
	if err != nil {
		e.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not serve request")
		cs := cachestatus.CacheStatus{Detail: cachestatus.DetailOffline}
		cs.Forward(cachestatus.FwdReasonRequest)
		w.Header().Set(cachestatus.HeaderName, cs.String())
		http.Error(w, "Offline and no cached copy available", http.StatusBadGateway)
		return
	}
	e.send(w, r, res)
}

// recover recovers from panics and passes the request straight to the network.
func (e *Engine) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		e.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		e.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the network.
func (e *Engine) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := e.fetch(r.Context(), r, nil)
	if err != nil {
		e.log.Error().Err(err).Msg("Error connecting to network")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	e.send(w, r, res)
}

func (e *Engine) send(w http.ResponseWriter, r *http.Request, res *serializer.Response) {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(res.Body); err != nil {
			e.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("code", res.StatusCode).
		Str("status", res.Header.Get(cachestatus.HeaderName)).
		Msg("Sending response to client")
}

// Wait blocks until all background revalidations have finished.
// It must not be called while requests are still being served; use Stop for that.
func (e *Engine) Wait() {
	e.bgWG.Wait()
}

// Stop makes the engine start no new background revalidations and waits
// for the running ones. Requests are still served afterwards.
func (e *Engine) Stop() {
	e.bgMu.Lock()
	e.bgStopped = true
	e.bgMu.Unlock()
	e.bgWG.Wait()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
