// Package orchestrator boots the named runtime modules declared in a
// manifest in dependency and priority order, injects their dependencies,
// binds required capabilities and reports partial failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/registry"
)

// Name is the registry key the orchestrator registers itself under.
// Modules that need it resolve it by name instead of holding a pointer.
const Name = "orchestrator"

var (
	errCycle       = errors.New("dependency cycle")
	errInterrupted = errors.New("initialization interrupted")
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(e events.Event) bool
}

// Orchestrator owns module descriptors. Passes (Init, RecoverFailedModules)
// are serialized; Diagnose and GetModule may be called at any time.
type Orchestrator struct {
	registry *registry.Registry
	source   ModuleSource
	bus      Publisher
	manifest Manifest
	logger   *slog.Logger
	now      func() time.Time

	runMu sync.Mutex

	mu          sync.Mutex
	descriptors map[string]*Descriptor
	defaults    map[string]any
	bindings    map[string]string
	lastRun     time.Duration
	timedOut    bool
	partial     bool
}

// New creates an orchestrator for manifest. source and bus may be nil.
func New(reg *registry.Registry, m Manifest, source ModuleSource, bus Publisher) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		source:   source,
		bus:      bus,
		manifest: m,
		logger:   slog.Default(),
		now:      time.Now,
		defaults: make(map[string]any),
	}
	reg.Register(Name, o)
	o.buildDescriptors()
	return o
}

func (o *Orchestrator) buildDescriptors() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.descriptors = make(map[string]*Descriptor, len(o.manifest.Modules))
	o.bindings = make(map[string]string)
	for _, spec := range o.manifest.Modules {
		o.descriptors[spec.Name] = &Descriptor{
			Name:         spec.Name,
			Dependencies: append([]string(nil), spec.Dependencies...),
			Priority:     spec.Priority,
			Critical:     spec.Critical,
			Requires:     append([]string(nil), spec.Requires...),
			Provides:     append([]string(nil), spec.Provides...),
			State:        StatePending,
		}
	}
	for _, name := range newGraph(o.manifest).cyclic() {
		d := o.descriptors[name]
		d.State = StateFailed
		d.Err = errCycle
		o.logger.Error("module is part of a dependency cycle", "module", name)
	}
}

// SetCapabilityDefault registers the implementation bound when no Ready
// module provides capability.
func (o *Orchestrator) SetCapabilityDefault(capability string, impl any) {
	o.mu.Lock()
	o.defaults[capability] = impl
	o.mu.Unlock()
}

// RegisterModule stores instance under name. A module previously marked
// NotFound becomes Pending again so the next pass initializes it.
func (o *Orchestrator) RegisterModule(name string, instance any) {
	o.registry.Register(name, instance)

	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.descriptors[name]; ok && d.State == StateNotFound {
		d.State = StatePending
		d.Err = nil
	}
}

// GetModule returns the instance registered under name, or nil.
func (o *Orchestrator) GetModule(name string) any {
	return o.registry.Resolve(name)
}

// ModuleState returns the state of name. Undeclared names are NotFound.
func (o *Orchestrator) ModuleState(name string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateOf(name)
}

// Init runs the initialization pass and publishes exactly one of
// system-initialized or system-partial-init.
func (o *Orchestrator) Init(ctx context.Context, opts Options) Report {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	opts = opts.withDefaults()
	start := o.now()
	o.markCritical(opts.Critical)

	deadline := start.Add(opts.Timeout)
	passCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	timedOut := o.run(passCtx, opts.PollInterval)
	o.finalize(timedOut, o.now().Sub(start))
	o.resolveCapabilities()

	report := o.Diagnose()
	o.publishInit(report)

	o.logger.Info("module initialization finished",
		"ready", len(report.Ready),
		"failed", len(report.Failed),
		"not_found", len(report.NotFound),
		"pending", len(report.Pending),
		"partial", report.Partial,
		"duration_ms", report.DurationMs,
	)
	return report
}

func (o *Orchestrator) markCritical(names []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		if d, ok := o.descriptors[name]; ok {
			d.Critical = true
		}
	}
}

// finalize records the outcome of a pass. The pass is partial when a
// critical module is still Pending or Initializing, which only happens when
// the deadline hit or the remaining modules wait on failed dependencies.
// Modules whose Init was abandoned at the deadline are then marked Failed so
// recovery can retry them.
func (o *Orchestrator) finalize(timedOut bool, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	partial := false
	for _, d := range o.descriptors {
		if d.Critical && !d.State.Terminal() {
			partial = true
		}
	}
	for _, d := range o.descriptors {
		if d.State == StateInitializing {
			d.State = StateFailed
			d.Err = errInterrupted
			timedOut = true
			o.logger.Error("module initialization interrupted", "module", d.Name)
		}
	}
	o.partial = partial
	o.timedOut = timedOut
	o.lastRun = elapsed
}

// run repeats passes over Pending modules until none remain, no further
// progress is possible, or ctx ends. It reports whether ctx ended first.
func (o *Orchestrator) run(ctx context.Context, poll time.Duration) bool {
	for {
		o.pass(ctx)

		waiting := o.waiting()
		if len(waiting) == 0 {
			return false
		}
		if o.stalled(waiting) {
			o.logger.Warn("modules blocked by failed dependencies", "modules", waiting)
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(poll):
		}
	}
}

// runUntilSettled repeats passes without waiting between them until a pass
// makes no progress. Used by recovery, which must not poll.
func (o *Orchestrator) runUntilSettled(ctx context.Context) {
	for {
		before := len(o.waiting())
		o.pass(ctx)
		after := o.waiting()
		if len(after) == 0 || len(after) == before || ctx.Err() != nil {
			return
		}
	}
}

// pass visits every Pending module once in priority order.
func (o *Orchestrator) pass(ctx context.Context) {
	for _, name := range o.waiting() {
		if ctx.Err() != nil {
			return
		}
		o.step(ctx, name)
	}
}

// waiting returns Pending modules sorted by priority, then name.
func (o *Orchestrator) waiting() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*Descriptor
	for _, d := range o.descriptors {
		if d.State == StatePending {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	names := make([]string, len(out))
	for i, d := range out {
		names[i] = d.Name
	}
	return names
}

// step tries to bring one Pending module to a terminal state.
func (o *Orchestrator) step(ctx context.Context, name string) {
	instance := o.registry.Resolve(name)
	if instance == nil && o.source != nil {
		if found, ok := o.source.Discover(name); ok && found != nil {
			o.registry.Register(name, found)
			instance = found
			o.logger.Debug("module discovered", "module", name)
		}
	}
	if instance == nil {
		o.setState(name, StateNotFound, nil)
		o.logger.Warn("module not found", "module", name)
		return
	}

	o.mu.Lock()
	d := o.descriptors[name]
	var ready []string
	for _, dep := range d.Dependencies {
		st := o.stateOf(dep)
		if !st.satisfies() {
			o.mu.Unlock()
			o.logger.Debug("module waiting on dependency", "module", name, "dependency", dep, "state", st)
			return
		}
		if st == StateReady {
			ready = append(ready, dep)
		}
	}
	d.State = StateInitializing
	d.Attempts++
	o.mu.Unlock()

	if recv, ok := instance.(DependencyReceiver); ok {
		for _, dep := range ready {
			recv.SetDependency(dep, o.registry.Resolve(dep))
		}
	}

	err := o.initModule(ctx, name, instance)
	if errors.Is(err, errInterrupted) {
		// Left Initializing; finalize decides what it means for the pass.
		return
	}
	if err != nil {
		o.setState(name, StateFailed, err)
		o.logger.Error("module initialization failed", "module", name, "error", err)
		return
	}
	o.setState(name, StateReady, nil)
	o.logger.Debug("module ready", "module", name)
}

// initModule runs the Init hook of instance, if any. It returns
// errInterrupted when ctx ends first, even if the hook ignores ctx and keeps
// running.
func (o *Orchestrator) initModule(ctx context.Context, name string, instance any) error {
	hook, ok := instance.(Initializer)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("module %s panicked: %v", name, p)
			}
		}()
		done <- hook.Init(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errInterrupted, err)
		}
		return err
	case <-ctx.Done():
		return errInterrupted
	}
}

// stateOf returns the state of a module, treating undeclared names as
// NotFound. Caller holds o.mu.
func (o *Orchestrator) stateOf(name string) State {
	if d, ok := o.descriptors[name]; ok {
		return d.State
	}
	return StateNotFound
}

func (o *Orchestrator) setState(name string, st State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.descriptors[name]; ok {
		d.State = st
		d.Err = err
	}
}

// stalled reports whether every waiting module is blocked, directly or
// through other waiting modules, by a Failed dependency.
func (o *Orchestrator) stalled(waiting []string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	memo := make(map[string]bool)
	var blocked func(name string) bool
	blocked = func(name string) bool {
		if v, ok := memo[name]; ok {
			return v
		}
		memo[name] = false
		for _, dep := range o.descriptors[name].Dependencies {
			switch o.stateOf(dep) {
			case StateFailed:
				memo[name] = true
			case StatePending:
				if blocked(dep) {
					memo[name] = true
				}
			}
			if memo[name] {
				break
			}
		}
		return memo[name]
	}

	for _, name := range waiting {
		if !blocked(name) {
			return false
		}
	}
	return true
}

// resolveCapabilities binds, for every Ready module, each required
// capability it does not provide itself: a Ready provider when one exists,
// otherwise the registered default.
func (o *Orchestrator) resolveCapabilities() {
	type binding struct {
		module, capability, source string
		binder                     CapabilityBinder
		impl                       any
	}

	o.mu.Lock()
	providers := make(map[string][]string)
	for _, d := range o.descriptors {
		if d.State != StateReady {
			continue
		}
		for _, c := range o.capabilitiesOf(d) {
			providers[c] = append(providers[c], d.Name)
		}
	}
	for c := range providers {
		sort.Strings(providers[c])
	}

	var todo []binding
	for _, d := range o.descriptors {
		if d.State != StateReady || len(d.Requires) == 0 {
			continue
		}
		own := make(map[string]bool)
		for _, c := range o.capabilitiesOf(d) {
			own[c] = true
		}
		binder, ok := o.registry.Resolve(d.Name).(CapabilityBinder)
		for _, c := range d.Requires {
			if own[c] {
				continue
			}
			if !ok {
				o.logger.Warn("module requires capability but cannot bind it", "module", d.Name, "capability", c)
				continue
			}
			b := binding{module: d.Name, capability: c, binder: binder}
			if ps := providers[c]; len(ps) > 0 {
				b.source = ps[0]
				b.impl = o.registry.Resolve(ps[0])
			} else if impl, ok := o.defaults[c]; ok {
				b.source = "default"
				b.impl = impl
			} else {
				o.logger.Warn("no provider or default for capability", "module", d.Name, "capability", c)
				continue
			}
			todo = append(todo, b)
		}
	}
	o.mu.Unlock()

	for _, b := range todo {
		b.binder.BindCapability(b.capability, b.impl)
		o.mu.Lock()
		o.bindings[b.module+"."+b.capability] = b.source
		o.mu.Unlock()
		o.logger.Debug("capability bound", "module", b.module, "capability", b.capability, "source", b.source)
	}
}

// capabilitiesOf merges declared and advertised capabilities. Caller holds o.mu.
func (o *Orchestrator) capabilitiesOf(d *Descriptor) []string {
	caps := append([]string(nil), d.Provides...)
	if cp, ok := o.registry.Resolve(d.Name).(CapabilityProvider); ok {
		caps = append(caps, cp.Capabilities()...)
	}
	return caps
}

func (o *Orchestrator) publishInit(r Report) {
	if o.bus == nil {
		return
	}
	if r.Partial {
		o.bus.Publish(events.Event{
			ID:   events.NewID(),
			Type: events.TypeSystemPartialInit,
			Payload: PartialInitPayload{
				Ready:      r.Ready,
				Failed:     r.Failed,
				NotFound:   r.NotFound,
				Pending:    r.Pending,
				DurationMs: r.DurationMs,
			},
		})
		return
	}
	o.bus.Publish(events.Event{
		ID:      events.NewID(),
		Type:    events.TypeSystemInitialized,
		Payload: InitializedPayload{Modules: r.Ready, DurationMs: r.DurationMs},
	})
}

// Diagnose returns a snapshot of every module. Partial and TimedOut describe
// the last pass; Degraded reflects the current critical module states.
func (o *Orchestrator) Diagnose() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := Report{
		Ready:      []string{},
		Failed:     []string{},
		NotFound:   []string{},
		Pending:    []string{},
		Bindings:   make(map[string]string, len(o.bindings)),
		TimedOut:   o.timedOut,
		Partial:    o.partial,
		DurationMs: o.lastRun.Milliseconds(),
	}
	for k, v := range o.bindings {
		r.Bindings[k] = v
	}

	names := make([]string, 0, len(o.descriptors))
	for name := range o.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	criticalDown := false
	for _, name := range names {
		d := o.descriptors[name]
		mr := ModuleReport{
			Name:         d.Name,
			State:        d.State,
			Critical:     d.Critical,
			Priority:     d.Priority,
			Dependencies: d.Dependencies,
			Attempts:     d.Attempts,
		}
		if d.Err != nil {
			mr.Error = d.Err.Error()
		}
		r.Modules = append(r.Modules, mr)

		switch d.State {
		case StateReady:
			r.Ready = append(r.Ready, name)
		case StateFailed:
			r.Failed = append(r.Failed, name)
		case StateNotFound:
			r.NotFound = append(r.NotFound, name)
		default:
			r.Pending = append(r.Pending, name)
		}
		if d.Critical && d.State != StateReady {
			criticalDown = true
		}
	}
	r.Degraded = criticalDown
	return r
}

// RecoverFailedModules resets Failed critical modules to Pending and runs
// one recovery round over every Pending module. Cycle failures are not
// retried.
func (o *Orchestrator) RecoverFailedModules(ctx context.Context) Report {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.recoverLocked(ctx)
}

// recoverLocked runs a recovery round. Caller holds o.runMu.
func (o *Orchestrator) recoverLocked(ctx context.Context) Report {
	start := o.now()

	o.mu.Lock()
	var retried []string
	for _, d := range o.descriptors {
		if d.State == StateFailed && d.Critical && !errors.Is(d.Err, errCycle) {
			d.State = StatePending
			d.Err = nil
			retried = append(retried, d.Name)
		}
	}
	o.mu.Unlock()
	sort.Strings(retried)

	if len(retried) > 0 {
		o.logger.Info("recovering failed critical modules", "modules", retried)
	}
	o.runUntilSettled(ctx)
	o.finalize(false, o.now().Sub(start))
	o.resolveCapabilities()
	return o.Diagnose()
}

// ReportCriticalError records a runtime failure of module name. A failure
// of a critical module triggers RecoverFailedModules.
func (o *Orchestrator) ReportCriticalError(ctx context.Context, name string, err error) Report {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	d, ok := o.descriptors[name]
	critical := ok && d.Critical
	if ok {
		d.State = StateFailed
		d.Err = err
	}
	o.mu.Unlock()

	o.logger.Error("module reported runtime error", "module", name, "critical", critical, "error", err)
	if !critical {
		return o.Diagnose()
	}
	return o.recoverLocked(ctx)
}

// Reset clears every descriptor and registry entry except the orchestrator
// itself and any names in preserve, then publishes system-reset. The next
// Init starts from a fresh graph.
func (o *Orchestrator) Reset(preserve ...string) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.registry.Reset(append([]string{Name}, preserve...)...)
	o.buildDescriptors()

	o.mu.Lock()
	o.lastRun = 0
	o.timedOut = false
	o.partial = false
	o.mu.Unlock()

	o.logger.Info("orchestrator reset", "preserved", preserve)
	if o.bus != nil {
		o.bus.Publish(events.Event{ID: events.NewID(), Type: events.TypeSystemReset})
	}
}
