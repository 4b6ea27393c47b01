package offlinecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/always-cache/offline-cache/cache"
	apirules "github.com/always-cache/offline-cache/pkg/api-rules"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/freshness"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// offlinePayload is the body of the synthesized API response.
type offlinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleFetch classifies the request and runs exactly one strategy for it.
func (e *Engine) handleFetch(ctx context.Context, ev Event) (*serializer.Response, error) {
	r := ev.Request
	c := Classify(r, e.keyer.EffectiveURL(r), e.rules)

	var (
		res *serializer.Response
		cs  cachestatus.CacheStatus
		err error
	)
	switch {
	case r.Method != http.MethodGet:
		res, cs = e.passThrough(ctx, r)
	case c.Class == ClassNavigation:
		res, cs, err = e.navigate(ctx, r)
	case c.Class == ClassExternalAPI:
		res, cs = e.networkFirst(ctx, r, c.Rule)
	default:
		res, cs = e.staleWhileRevalidate(ctx, r)
	}
	e.metrics.observe(c.Class, cs, err)
	if err != nil {
		return nil, err
	}
	res.Header.Set(cachestatus.HeaderName, cs.String())
	return res, nil
}

// passThrough forwards requests with methods this cache does not handle.
func (e *Engine) passThrough(ctx context.Context, r *http.Request) (*serializer.Response, cachestatus.CacheStatus) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdReasonMethod)
	res, err := e.fetch(ctx, r, nil)
	if err != nil {
		e.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not forward request")
		return badGateway(), cs
	}
	return res, cs
}

// navigate serves page loads from the network, falling back to the
// pre-cached root document when offline.
func (e *Engine) navigate(ctx context.Context, r *http.Request) (*serializer.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdReasonRequest)
	res, netErr := e.fetch(ctx, r, nil)
	if netErr == nil {
		return res, cs, nil
	}

	tier := e.activeStatic().Name()
	key := e.keyer.PathKey(e.fallback)
	log := e.log.With().Str("tier", tier).Str("key", key).Logger()
	log.Debug().Err(netErr).Msg("Navigation failed, serving cached document")
	if cached := e.lookup(tier, key, log); cached != nil {
		cs.Hit()
		cs.Detail = cachestatus.DetailStale
		return cached, cs, nil
	}
	return nil, cs, fmt.Errorf("%w: %v", ErrOffline, netErr)
}

// staleWhileRevalidate serves static assets from the cache when possible,
// refreshing the cached copy in the background.
// Assets not in the cache are fetched but not stored.
func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request) (*serializer.Response, cachestatus.CacheStatus) {
	var cs cachestatus.CacheStatus
	tier := e.activeStatic().Name()
	key := e.keyer.GetKey(r)
	log := e.log.With().Str("tier", tier).Str("key", key).Logger()

	if cached := e.lookup(tier, key, log); cached != nil {
		log.Trace().Msg("Cache hit and serving")
		cs.Hit()
		e.revalidateAsync(tier, key, r, cached.Header.Get("ETag"), cached.Checksum(), log)
		return cached, cs
	}

	cs.Forward(cachestatus.FwdReasonUriMiss)
	res, err := e.fetch(ctx, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch uncached asset")
		cs.Detail = cachestatus.DetailOffline
		return badGateway(), cs
	}
	return res, cs
}

// revalidateAsync fetches the asset in a detached goroutine and replaces the
// cached copy if the content changed. It never blocks the caller; when too
// many revalidations are already running, it does nothing.
func (e *Engine) revalidateAsync(tier, key string, r *http.Request, etag string, checksum uint32, log zerolog.Logger) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		log.Trace().Msg("Too many background revalidations, skipping")
		e.metrics.revalidations.WithLabelValues("skipped").Inc()
		return
	}
	e.bgMu.Lock()
	if e.bgStopped {
		e.bgMu.Unlock()
		<-e.bgSem
		log.Trace().Msg("Engine stopped, skipping background revalidation")
		e.metrics.revalidations.WithLabelValues("skipped").Inc()
		return
	}
	e.bgWG.Add(1)
	e.bgMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.revalidateTimeout)
	req := r.Clone(ctx)
	// a 304 carries no body to store
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")

	go func() {
		defer e.bgWG.Done()
		defer func() { <-e.bgSem }()
		defer cancel()

		res, err := e.fetch(ctx, req, nil)
		if err != nil {
			log.Debug().Err(err).Msg("Background revalidation failed")
			e.metrics.revalidations.WithLabelValues("failed").Inc()
			return
		}
		if !res.OK() {
			log.Debug().Int("code", res.StatusCode).Msg("Background revalidation not ok")
			e.metrics.revalidations.WithLabelValues("failed").Inc()
			return
		}
		if !contentChanged(etag, checksum, res) {
			e.metrics.revalidations.WithLabelValues("unchanged").Inc()
			return
		}
		// an activation since the lookup has deleted the tier or is about to
		if tier != e.activeStatic().Name() {
			log.Debug().Str("serving", e.activeStatic().Name()).Msg("Generation changed, dropping revalidated asset")
			e.metrics.revalidations.WithLabelValues("superseded").Inc()
			return
		}
		if e.store(tier, key, res, false, log) {
			log.Trace().Msg("Cached asset updated")
			e.metrics.revalidations.WithLabelValues("updated").Inc()
		}
	}()
}

// contentChanged compares content identity by ETag when either side has one,
// and by body checksum otherwise.
func contentChanged(etag string, checksum uint32, res *serializer.Response) bool {
	newEtag := res.Header.Get("ETag")
	if etag != "" || newEtag != "" {
		return etag != newEtag
	}
	return checksum != res.Checksum()
}

// networkFirst serves external API requests from the network, falling back to
// a cached response younger than the TTL, and to a synthesized error otherwise.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request, rule *apirules.Rule) (*serializer.Response, cachestatus.CacheStatus) {
	var cs cachestatus.CacheStatus
	tier := e.api.Name()
	key := e.keyer.GetKey(r)
	log := e.log.With().Str("tier", tier).Str("key", key).Logger()

	cached := e.lookup(tier, key, log)
	age := freshness.AgeOf(cached, e.now())

	res, err := e.fetch(ctx, r, rule)
	if err == nil && res.OK() {
		cs.Forward(cachestatus.FwdReasonRequest)
		freshness.Stamp(res, e.now())
		cs.Stored = e.store(tier, key, res, true, log)
		return res, cs
	}
	if err != nil {
		log.Debug().Err(err).Msg("API request failed")
	} else {
		log.Debug().Int("code", res.StatusCode).Msg("API response not ok")
	}

	if cached != nil && age < e.ttl {
		log.Trace().Dur("age", age).Msg("Serving cached API response")
		cs.Hit()
		cs.Detail = cachestatus.DetailStale
		cs.TimeToLive = int((e.ttl - age).Seconds())
		cached.Header.Set("Age", strconv.Itoa(int(age.Seconds())))
		return cached, cs
	}

	if cached != nil {
		cs.Forward(cachestatus.FwdReasonStale)
	} else {
		cs.Forward(cachestatus.FwdReasonUriMiss)
	}
	cs.Detail = cachestatus.DetailOffline
	return offlineResponse(), cs
}

// fetch sends the request to the network.
// The rule's headers, if any, are injected into the outgoing request.
func (e *Engine) fetch(ctx context.Context, r *http.Request, rule *apirules.Rule) (*serializer.Response, error) {
	uri := e.keyer.EffectiveURL(r).String()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if rule != nil {
		rule.Apply(req)
	}
	res, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	return serializer.FromHTTP(res)
}

// lookup reads and decodes a cached response.
// Storage failures and corrupt entries are logged and reported as a miss.
func (e *Engine) lookup(tierName, key string, log zerolog.Logger) *serializer.Response {
	tier, ok, err := e.cache.Lookup(tierName)
	if err != nil {
		log.Warn().Err(err).Msg("Could not open tier")
		e.metrics.storageErrors.Inc()
		return nil
	}
	if !ok {
		return nil
	}
	entry, ok, err := tier.Get(key)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		e.metrics.storageErrors.Inc()
		return nil
	}
	if !ok {
		return nil
	}
	res, err := serializer.FromBytes(entry.Bytes)
	if err != nil {
		// in case we have a corrupted cache entry, we delete it and treat it as a miss
		log.Error().Err(err).Msg("Could not decode cached response")
		if err := tier.Delete(key); err != nil {
			log.Warn().Err(err).Msg("Could not delete corrupt entry")
		}
		return nil
	}
	return res
}

// store writes the response to the cache. The tier is created only if create
// is set; writing to a missing tier fails with cache.ErrTierNotFound.
// It reports whether the write succeeded; failures are logged, never returned.
func (e *Engine) store(tierName, key string, res *serializer.Response, create bool, log zerolog.Logger) bool {
	b, err := serializer.ToBytes(res)
	if err != nil {
		log.Error().Err(err).Msg("Could not serialize response")
		return false
	}
	tier, err := e.openTier(tierName, create)
	if err == nil {
		err = tier.Put(cache.Entry{Key: key, Bytes: b})
	}
	if err != nil {
		log.Warn().Err(err).Msg("Could not write to cache")
		e.metrics.storageErrors.Inc()
		return false
	}
	log.Trace().Msg("Cache write")
	return true
}

func (e *Engine) openTier(name string, create bool) (cache.Tier, error) {
	if create {
		return e.cache.Open(name)
	}
	tier, ok, err := e.cache.Lookup(name)
	if err == nil && !ok {
		err = cache.ErrTierNotFound
	}
	return tier, err
}

// offlineResponse is the synthesized API response. It is sent with status 200,
// so page code reads the error payload instead of failing the request.
func offlineResponse() *serializer.Response {
	body, _ := json.Marshal(offlinePayload{
		Error:   "Offline",
		Message: "Cached data unavailable",
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &serializer.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
	}
}

func badGateway() *serializer.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &serializer.Response{
		StatusCode: http.StatusBadGateway,
		Header:     header,
		Body:       []byte("Could not connect to origin\n"),
	}
}
