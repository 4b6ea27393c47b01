package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventTick:
		return "tick"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is something the engine reacts to.
// Request is set for fetch events only.
type Event struct {
	Kind    EventKind
	Request *http.Request
}

// Handler handles one kind of event.
// Only fetch handlers return a response.
type Handler func(ctx context.Context, ev Event) (*serializer.Response, error)

// Dispatch runs the handler registered for the event kind.
func (e *Engine) Dispatch(ctx context.Context, ev Event) (*serializer.Response, error) {
	handler, ok := e.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler for %s event", ev.Kind)
	}
	if ev.Kind == EventFetch && ev.Request == nil {
		return nil, fmt.Errorf("fetch event without request")
	}
	return handler(ctx, ev)
}

func (e *Engine) handleInstall(ctx context.Context, _ Event) (*serializer.Response, error) {
	return nil, e.Install(ctx)
}

func (e *Engine) handleActivate(ctx context.Context, _ Event) (*serializer.Response, error) {
	return nil, e.Activate(ctx)
}

func (e *Engine) handleTick(ctx context.Context, _ Event) (*serializer.Response, error) {
	_, err := e.Sweep(ctx)
	return nil, err
}
