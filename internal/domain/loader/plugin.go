package loader

import (
	"context"
	"fmt"
	"time"

	"rowloader/internal/core/apperror"
)

// Op identifies the loader operation a hook observes.
type Op string

const (
	OpLoad     Op = "load"
	OpPaginate Op = "paginate"
)

// HookEvent represents the point at which a plugin hook runs.
type HookEvent string

const (
	// BeforeExecute runs after the statements are built and before they run.
	BeforeExecute HookEvent = "before_execute"
	// AfterExecute runs once the result is ready.
	AfterExecute HookEvent = "after_execute"
)

// Call describes one loader invocation to plugins.
type Call struct {
	Loader    string
	Op        Op
	Statement Statement
	// Count is the COUNT(*) statement when one was requested.
	Count *Statement
	Args  LoadArgs
	// Duration is the time spent producing the result; set for AfterExecute.
	Duration time.Duration

	result *Page
}

// Result returns the current result (nil before execution unless a plugin set one).
func (c *Call) Result() *Page { return c.result }

// SetResult sets the result. In BeforeExecute it short-circuits execution;
// in AfterExecute it replaces what the loader produced.
func (c *Call) SetResult(p *Page) { c.result = p }

// Hook is a function that runs at a specific point of a load.
type Hook func(ctx context.Context, call *Call) error

// Plugin intercepts loader calls.
type Plugin struct {
	Name     string
	OnLoad   Hook
	OnResult Hook
}

type namedHook struct {
	plugin string
	hook   Hook
}

// hookRegistry stores plugin hooks by event, in registration order.
type hookRegistry struct {
	hooks map[HookEvent][]namedHook
}

func newHookRegistry(plugins []Plugin) (*hookRegistry, error) {
	r := &hookRegistry{hooks: make(map[HookEvent][]namedHook)}
	for i, p := range plugins {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("plugin#%d", i)
		}
		if p.OnLoad == nil && p.OnResult == nil {
			return nil, apperror.NewConfiguration(fmt.Sprintf("plugin %q has no hooks", name))
		}
		if p.OnLoad != nil {
			r.On(BeforeExecute, name, p.OnLoad)
		}
		if p.OnResult != nil {
			r.On(AfterExecute, name, p.OnResult)
		}
	}
	return r, nil
}

// On registers a hook for the specified event.
func (r *hookRegistry) On(event HookEvent, plugin string, hook Hook) {
	r.hooks[event] = append(r.hooks[event], namedHook{plugin: plugin, hook: hook})
}

// Run executes the hooks for event. BeforeExecute stops at the first hook
// that sets a result.
func (r *hookRegistry) Run(ctx context.Context, event HookEvent, call *Call) error {
	for _, h := range r.hooks[event] {
		if err := h.hook(ctx, call); err != nil {
			return fmt.Errorf("plugin %s: %w", h.plugin, err)
		}
		if event == BeforeExecute && call.result != nil {
			return nil
		}
	}
	return nil
}
