// Package plugin is the hook boundary around request execution. PreHooks
// run in registration order before routing, PostHooks in reverse order
// after the provider call. A plugin may short-circuit the request with a
// synthetic response or a denial.
package plugin

import (
	"context"
	"errors"
	"sync"

	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/providers"
)

// ShortCircuit stops the pipeline before the provider call. A non-nil
// Error is a denial; denials never fall back.
type ShortCircuit struct {
	Response       *providers.Response
	Error          *engine.Error
	AllowFallbacks bool
}

// Plugin is one hook implementation. Hooks must be reentrant; the manager
// calls them concurrently across requests.
type Plugin interface {
	Name() string
	PreHook(ctx context.Context, req *providers.Request) (*providers.Request, *ShortCircuit, error)
	PostHook(ctx context.Context, resp *providers.Response, uerr *engine.Error) (*providers.Response, *engine.Error, error)
	Cleanup() error
}

// Manager fans requests through the registered plugins.
type Manager struct {
	mu      sync.RWMutex
	plugins []Plugin
}

func NewManager() *Manager { return &Manager{} }

// Register appends a plugin. Registration order is PreHook order.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	m.plugins = append(m.plugins, p)
	m.mu.Unlock()
}

// Names lists registered plugins in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.plugins))
	for i, p := range m.plugins {
		out[i] = p.Name()
	}
	return out
}

func (m *Manager) snapshot() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]Plugin, len(m.plugins))
	copy(cp, m.plugins)
	return cp
}

// RunPreHooks threads the request through every PreHook in registration
// order. The first short-circuit stops the chain; a denial short-circuit
// forces AllowFallbacks to false.
func (m *Manager) RunPreHooks(ctx context.Context, req *providers.Request) (*providers.Request, *ShortCircuit, error) {
	for _, p := range m.snapshot() {
		next, sc, err := p.PreHook(ctx, req)
		if err != nil {
			return req, nil, err
		}
		if next != nil {
			req = next
		}
		if sc != nil {
			if sc.Error != nil {
				sc.AllowFallbacks = false
			}
			return req, sc, nil
		}
	}
	return req, nil, nil
}

// RunPostHooks threads the response and upstream error through every
// PostHook in reverse registration order.
func (m *Manager) RunPostHooks(ctx context.Context, resp *providers.Response, uerr *engine.Error) (*providers.Response, *engine.Error, error) {
	plugins := m.snapshot()
	for i := len(plugins) - 1; i >= 0; i-- {
		var err error
		resp, uerr, err = plugins[i].PostHook(ctx, resp, uerr)
		if err != nil {
			return resp, uerr, err
		}
	}
	return resp, uerr, nil
}

// Cleanup runs every plugin's Cleanup and joins the failures.
func (m *Manager) Cleanup() error {
	var errs []error
	for _, p := range m.snapshot() {
		if err := p.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
