package offlinecache

import (
	"context"
	"fmt"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/freshness"
	"github.com/always-cache/offline-cache/pkg/generation"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/google/uuid"
)

type State int32

const (
	StateInstalling State = iota
	StateWaitingToActivate
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaitingToActivate:
		return "waiting-to-activate"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const stagingPrefix = "staging-"

// Status is a snapshot of the engine's lifecycle.
type Status struct {
	State   string   `json:"state"`
	Serving string   `json:"serving"`
	Static  string   `json:"static"`
	API     string   `json:"api"`
	Tiers   []string `json:"tiers"`
}

// Run installs and activates the configured generation, then sweeps expired
// API responses every TTL until the context is cancelled. On return, the
// engine is stopped, see Stop.
// Lifecycle events are handled one at a time on the calling goroutine.
// A failed install is logged and the previous generation keeps serving.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		e.log.Error().Err(err).Str("serving", e.activeStatic().Name()).Msg("Could not install generation")
	} else if _, err := e.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
		e.log.Error().Err(err).Msg("Could not activate generation")
	}

	e.log.Info().Msgf("Starting sweep loop with interval %s", e.ttl)
	ticker := time.NewTicker(e.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return nil
		case <-ticker.C:
		case <-e.sweeps:
		}
		if _, err := e.Dispatch(ctx, Event{Kind: EventTick}); err != nil {
			e.log.Error().Err(err).Msg("Could not sweep api tier")
		}
	}
}

// RequestSweep queues a sweep on the Run loop.
// It does not block; a sweep already queued absorbs the request.
func (e *Engine) RequestSweep() {
	select {
	case e.sweeps <- struct{}{}:
	default:
	}
}

// Install fetches every manifest path and stores the responses in the
// configured static tier. Either all paths are stored or none are.
func (e *Engine) Install(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.state.Store(int32(StateInstalling))
	e.installed = false
	staging := stagingPrefix + uuid.NewString()
	log := e.log.With().Str("tier", e.static.Name()).Str("staging", staging).Logger()
	log.Info().Int("assets", len(e.manifest)).Msg("Installing generation")

	// the staging tier never outlives the install
	defer func() {
		if err := e.cache.DeleteTier(staging); err != nil {
			log.Warn().Err(err).Msg("Could not delete staging tier")
		}
	}()

	for _, path := range e.manifest {
		key := e.keyer.PathKey(path)
		if err := e.stage(ctx, staging, key); err != nil {
			e.metrics.installs.WithLabelValues("failed").Inc()
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, path, err)
		}
		log.Trace().Str("key", key).Msg("Staged asset")
	}
	if err := e.promote(staging, e.static.Name()); err != nil {
		e.metrics.installs.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	e.installed = true
	e.state.Store(int32(StateWaitingToActivate))
	e.metrics.installs.WithLabelValues("ok").Inc()
	log.Info().Msg("Generation installed")
	return nil
}

// stage fetches a single asset into the staging tier.
func (e *Engine) stage(ctx context.Context, staging, key string) error {
	req, err := e.keyer.GetRequestFromKey(key)
	if err != nil {
		return err
	}
	res, err := e.fetch(ctx, req, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	b, err := serializer.ToBytes(res)
	if err != nil {
		return err
	}
	tier, err := e.cache.Open(staging)
	if err != nil {
		return err
	}
	return tier.Put(cache.Entry{Key: key, Bytes: b})
}

// promote copies every entry of the staging tier into the target tier.
func (e *Engine) promote(staging, target string) error {
	from, err := e.cache.Open(staging)
	if err != nil {
		return err
	}
	to, err := e.cache.Open(target)
	if err != nil {
		return err
	}
	keys, err := from.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		entry, ok, err := from.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := to.Put(entry); err != nil {
			return fmt.Errorf("could not store %s: %w", key, err)
		}
	}
	return nil
}

// Activate switches serving to the installed generation and deletes every
// tier that does not belong to the current generations.
func (e *Engine) Activate(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.installed {
		return ErrNotInstalled
	}
	current := e.static
	e.active.Store(&current)

	names, err := e.cache.TierNames()
	if err != nil {
		return fmt.Errorf("could not list tiers: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		reason := generation.Reclaimable(name, e.static, e.api)
		if reason == "" {
			continue
		}
		if err := e.cache.DeleteTier(name); err != nil {
			e.log.Warn().Err(err).Str("tier", name).Msg("Could not delete tier")
			continue
		}
		e.metrics.reclaimedTiers.Inc()
		e.log.Info().Str("tier", name).Str("reason", reason).Msg("Deleted tier")
	}

	e.state.Store(int32(StateActive))
	e.log.Info().Str("static", e.static.Name()).Str("api", e.api.Name()).Msg("Generation activated")
	return nil
}

// Sweep deletes expired and unreadable entries from the API tier and returns
// how many were deleted. It does nothing if the API tier does not exist.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	tier, ok, err := e.cache.Lookup(e.api.Name())
	if err != nil || !ok {
		return 0, err
	}
	keys, err := tier.Keys()
	if err != nil {
		return 0, fmt.Errorf("could not list keys: %w", err)
	}

	now := e.now()
	deleted := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		entry, ok, err := tier.Get(key)
		if err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Could not read entry during sweep")
			continue
		}
		if !ok {
			continue
		}
		res, err := serializer.FromBytes(entry.Bytes)
		if err == nil && !freshness.IsExpired(res, e.ttl, now) {
			continue
		}
		if err := tier.Delete(key); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Could not delete entry during sweep")
			continue
		}
		deleted++
	}
	e.metrics.sweptEntries.Add(float64(deleted))
	e.log.Debug().Int("deleted", deleted).Int("remaining", len(keys)-deleted).Msg("Swept api tier")
	return deleted, nil
}

// previousStatic returns the newest existing static generation not newer
// than the configured one, or the configured one if none exists.
func (e *Engine) previousStatic() generation.Generation {
	best := e.static
	names, err := e.cache.TierNames()
	if err != nil {
		e.log.Warn().Err(err).Msg("Could not list tiers")
		return best
	}
	found := false
	for _, name := range names {
		g, ok := generation.Parse(name)
		if !ok || g.Role != generation.RoleStatic {
			continue
		}
		if generation.CompareVersions(g.Version, e.static.Version) > 0 {
			continue
		}
		if !found || generation.CompareVersions(g.Version, best.Version) > 0 {
			best = g
			found = true
		}
	}
	return best
}

func (e *Engine) activeStatic() generation.Generation {
	return *e.active.Load()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Status returns a snapshot of the lifecycle state and the existing tiers.
func (e *Engine) Status() (Status, error) {
	names, err := e.cache.TierNames()
	if err != nil {
		return Status{}, fmt.Errorf("could not list tiers: %w", err)
	}
	return Status{
		State:   e.State().String(),
		Serving: e.activeStatic().Name(),
		Static:  e.static.Name(),
		API:     e.api.Name(),
		Tiers:   names,
	}, nil
}
