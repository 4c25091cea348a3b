package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrExecution         = errors.New("driver execution failed")
)

// Target is the coordinate context a command runs against.
type Target struct {
	EndpointID string
	Alias      string
	Width      int
	Height     int
	FocusX     int
	FocusY     int
}

// Handler executes one action kind against an endpoint.
type Handler func(ctx context.Context, target Target, payload json.RawMessage) (any, error)

// Module groups the handlers contributed by one automation script set.
type Module interface {
	Actions() map[string]Handler
}

type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	unsupported map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		unsupported: make(map[string]struct{}),
	}
}

func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
	delete(r.unsupported, action)
}

func (r *Registry) RegisterModule(m Module) {
	for action, h := range m.Actions() {
		r.Register(action, h)
	}
}

// MarkUnsupported lists an action as known but not implemented by this driver.
func (r *Registry) MarkUnsupported(actions ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range actions {
		if _, ok := r.handlers[a]; ok {
			continue
		}
		r.unsupported[a] = struct{}{}
	}
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, target Target, action string, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[action]
	_, marked := r.unsupported[action]
	r.mu.RUnlock()

	if !ok {
		if marked {
			return nil, fmt.Errorf("%w: %s is not implemented", ErrUnsupportedAction, action)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}

	res, err := h(ctx, target, payload)
	if err != nil {
		if errors.Is(err, ErrUnsupportedAction) || errors.Is(err, ErrExecution) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrExecution, action, target.Alias, err)
	}
	return res, nil
}
