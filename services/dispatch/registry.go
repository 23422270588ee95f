package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/fx"
)

// Request is what a handler receives for one effect of one event.
type Request struct {
	Event    *SystemEvent
	Rule     *EffectRule
	Targets  []string
	Settings *EffectSettings
	// IdempotencyKey is stable across retries of the same effect.
	IdempotencyKey string
}

// Result is the handler's report. Expected business failures set Success to
// false with Error; returned errors are reserved for faults.
type Result struct {
	Success bool
	Data    map[string]any
	Error   string
}

type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registration binds a handler to an effect type.
type Registration struct {
	Type    string
	Handler Handler
}

// HandlerOut contributes registrations to the effect.handlers group.
type HandlerOut struct {
	fx.Out
	Registrations []Registration `group:"effect.handlers,flatten"`
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(effectType string, handler Handler) error {
	if effectType == "" || handler == nil {
		return fmt.Errorf("register effect handler: type and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[effectType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, effectType)
	}
	r.handlers[effectType] = handler
	return nil
}

func (r *Registry) Lookup(effectType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[effectType]
	return h, ok
}

type RegistryParams struct {
	fx.In
	Registrations []Registration `group:"effect.handlers"`
}

// NewRegistryFromGroup builds the registry from every registration provided
// to the effect.handlers group.
func NewRegistryFromGroup(p RegistryParams) (*Registry, error) {
	r := NewRegistry()
	for _, reg := range p.Registrations {
		if err := r.Register(reg.Type, reg.Handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}
