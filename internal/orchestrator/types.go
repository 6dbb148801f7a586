package orchestrator

import (
	"context"
	"time"
)

// State is the lifecycle state of a module.
type State string

const (
	StatePending      State = "pending"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
	StateNotFound     State = "not_found"
)

// Terminal reports whether s ends an init pass for a module.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateNotFound
}

// satisfies reports whether a dependency in state s lets its dependents
// initialize. A missing dependency is accepted; its slot stays unset.
func (s State) satisfies() bool {
	return s == StateReady || s == StateNotFound
}

// Descriptor is the orchestrator's record of one module.
type Descriptor struct {
	Name         string
	Dependencies []string
	Priority     int
	Critical     bool
	Requires     []string
	Provides     []string
	State        State
	Err          error
	Attempts     int
}

// Initializer is implemented by modules with an initialization hook.
type Initializer interface {
	Init(ctx context.Context) error
}

// DependencyReceiver is implemented by modules that want their Ready
// dependencies handed to them before Init.
type DependencyReceiver interface {
	SetDependency(name string, instance any)
}

// CapabilityProvider lets a module advertise capabilities beyond those
// declared in the manifest.
type CapabilityProvider interface {
	Capabilities() []string
}

// CapabilityBinder is implemented by modules that declare required
// capabilities. The orchestrator binds a provider, or the registered
// default, for each capability the module lacks.
type CapabilityBinder interface {
	BindCapability(capability string, impl any)
}

// ModuleSource discovers module instances that were not registered up front.
type ModuleSource interface {
	Discover(name string) (any, bool)
}

// SourceFunc adapts a function to ModuleSource.
type SourceFunc func(name string) (any, bool)

// Discover calls f.
func (f SourceFunc) Discover(name string) (any, bool) { return f(name) }

// Options control an init pass.
type Options struct {
	// Timeout bounds the whole pass; reaching it finalizes as partial.
	Timeout time.Duration
	// PollInterval is the delay before retrying modules whose dependencies
	// were not yet ready.
	PollInterval time.Duration
	// Critical marks additional modules as critical.
	Critical []string
}

const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultInitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// ModuleReport describes one module in a Report.
type ModuleReport struct {
	Name         string   `json:"name"`
	State        State    `json:"state"`
	Critical     bool     `json:"critical"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
	Error        string   `json:"error,omitempty"`
	Attempts     int      `json:"attempts"`
}

// Report summarizes module states after an init or recovery pass.
type Report struct {
	Modules    []ModuleReport    `json:"modules"`
	Ready      []string          `json:"ready"`
	Failed     []string          `json:"failed"`
	NotFound   []string          `json:"not_found"`
	Pending    []string          `json:"pending"`
	Bindings   map[string]string `json:"bindings,omitempty"`
	// Partial means a critical module had not settled when the last pass
	// ended. Degraded means a critical module is not Ready now.
	Partial    bool              `json:"partial"`
	Degraded   bool              `json:"degraded"`
	TimedOut   bool              `json:"timed_out"`
	DurationMs int64             `json:"duration_ms"`
}

// InitializedPayload is published with system-initialized.
type InitializedPayload struct {
	Modules    []string `json:"modules"`
	DurationMs int64    `json:"duration_ms"`
}

// PartialInitPayload is published with system-partial-init.
type PartialInitPayload struct {
	Ready      []string `json:"ready"`
	Failed     []string `json:"failed"`
	NotFound   []string `json:"not_found"`
	Pending    []string `json:"pending"`
	DurationMs int64    `json:"duration_ms"`
}
