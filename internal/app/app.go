// Package app wires the runtime modules: it supplies the default module
// manifest, discovers module instances for the orchestrator and exposes the
// booted system to the API layer.
package app

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/taskcheck/internal/config"
	"github.com/kalambet/taskcheck/internal/errclass"
	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/inspector"
	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/registry"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
	"github.com/kalambet/taskcheck/internal/verification"
	"github.com/kalambet/taskcheck/internal/verifier"
)

//go:embed modules.yaml
var defaultManifest []byte

// ErrUnavailable is returned when the module serving a call is not Ready.
var ErrUnavailable = errors.New("module unavailable")

const unavailableMessage = "Verification is currently unavailable."

// App owns the registry, the event bus and the orchestrator.
type App struct {
	cfg          config.Config
	registry     *registry.Registry
	bus          *events.Bus
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

// DefaultManifest returns the built-in module graph.
func DefaultManifest() (orchestrator.Manifest, error) {
	return orchestrator.ParseManifest(defaultManifest)
}

// New builds an App from cfg. Nothing is opened until Start.
func New(cfg config.Config) (*App, error) {
	m, err := loadManifest(cfg.Orchestrator.Manifest)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		registry: registry.New(),
		bus:      events.NewBus(),
		logger:   slog.Default(),
	}
	a.orchestrator = orchestrator.New(a.registry, m, a, a.bus)
	a.orchestrator.SetCapabilityDefault(CapContentInspector, noInspector{})
	a.orchestrator.SetCapabilityDefault(CapEventPublisher, discardPublisher{})
	return a, nil
}

func loadManifest(path string) (orchestrator.Manifest, error) {
	if path == "" {
		return DefaultManifest()
	}
	return orchestrator.LoadManifest(path)
}

// Discover builds the instance for a module named in the manifest. Optional
// modules whose configuration is missing are not found.
func (a *App) Discover(name string) (any, bool) {
	opts := a.cfg.StrategyOptions()
	switch name {
	case ModuleStorage:
		return &storageModule{dataDir: a.cfg.Storage.DataDir}, true
	case ModuleEventBus:
		return a.bus, true
	case ModuleCache:
		return &cacheModule{}, true
	case ModuleInspector:
		if a.cfg.Inspector.BaseURL == "" {
			return nil, false
		}
		return inspector.NewHTTPInspector(a.cfg.Inspector.BaseURL), true
	case ModuleClassifier:
		return &classifierModule{}, true
	case ModuleService:
		if a.cfg.Service.BaseURL == "" {
			return nil, false
		}
		return verifier.NewClient(a.cfg.Service.APIKey, a.cfg.Service.BaseURL), true
	case ModuleStrategyGeneric:
		return verifier.NewGeneric(nil, opts), true
	case ModuleStrategyLimited:
		return verifier.NewLimited(nil, opts), true
	case ModuleStrategyPartner:
		return verifier.NewPartner(nil, opts), true
	case ModuleStrategySocial:
		return verifier.NewSocial(nil, opts), true
	case ModuleEngine:
		return newEngineModule(a.cfg.EngineConfig()), true
	}
	return nil, false
}

// Start runs the orchestrator init pass.
func (a *App) Start(ctx context.Context) orchestrator.Report {
	return a.orchestrator.Init(ctx, a.cfg.InitOptions())
}

// Orchestrator returns the module orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Bus returns the event bus. It survives system resets.
func (a *App) Bus() *events.Bus { return a.bus }

// Subscribe registers for bus events.
func (a *App) Subscribe(types ...events.Type) events.Subscription {
	return a.bus.Subscribe(types...)
}

// ready returns the instance of name if that module is Ready.
func (a *App) ready(name string) (any, error) {
	if st := a.orchestrator.ModuleState(name); st != orchestrator.StateReady {
		return nil, fmt.Errorf("%s is %s: %w", name, st, ErrUnavailable)
	}
	inst := a.registry.Resolve(name)
	if inst == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}
	return inst, nil
}

func (a *App) engine() (*verification.Engine, error) {
	inst, err := a.ready(ModuleEngine)
	if err != nil {
		return nil, err
	}
	m, ok := inst.(*engineModule)
	if !ok {
		return nil, fmt.Errorf("%s has unexpected type %T: %w", ModuleEngine, inst, ErrUnavailable)
	}
	return m.engine, nil
}

func (a *App) store() (*storage.Store, error) {
	inst, err := a.ready(ModuleStorage)
	if err != nil {
		return nil, err
	}
	if s, ok := unwrap(inst).(*storage.Store); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%s has no open store: %w", ModuleStorage, ErrUnavailable)
}

// Verify runs a verification through the engine. When the engine is not
// Ready the result is an error result, never a Go error.
func (a *App) Verify(ctx context.Context, itemID string) task.Result {
	eng, err := a.engine()
	if err != nil {
		a.logger.Warn("verification requested while engine unavailable", "item_id", itemID, "error", err)
		return task.Result{
			Status:        task.StatusError,
			Message:       unavailableMessage,
			ErrorCategory: string(errclass.Unknown),
			ItemID:        itemID,
			Timestamp:     time.Now().UTC(),
		}
	}
	return eng.Verify(ctx, itemID)
}

// StartItem marks itemID in progress.
func (a *App) StartItem(ctx context.Context, itemID string) (task.Progress, error) {
	eng, err := a.engine()
	if err != nil {
		return task.Progress{}, err
	}
	return eng.StartTask(ctx, itemID)
}

// ItemState returns the engine's attempt record for itemID.
func (a *App) ItemState(itemID string) (verification.ItemState, error) {
	eng, err := a.engine()
	if err != nil {
		return verification.ItemState{}, err
	}
	return eng.State(itemID), nil
}

// ResetItem unblocks itemID and drops its cached result.
func (a *App) ResetItem(itemID string) error {
	eng, err := a.engine()
	if err != nil {
		return err
	}
	return eng.ResetItem(itemID)
}

// ResetVerification clears every attempt record and cached result.
func (a *App) ResetVerification() error {
	eng, err := a.engine()
	if err != nil {
		return err
	}
	return eng.ResetState()
}

// SaveItem creates or replaces an item definition.
func (a *App) SaveItem(it task.Item) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	return s.SaveItem(it)
}

// GetItem returns the item definition for id.
func (a *App) GetItem(id string) (*task.Item, error) {
	s, err := a.store()
	if err != nil {
		return nil, err
	}
	return s.FindByID(id)
}

// ListItems returns up to limit item definitions.
func (a *App) ListItems(limit int) ([]task.Item, error) {
	s, err := a.store()
	if err != nil {
		return nil, err
	}
	return s.ListItems(limit)
}

// GetProgress returns the progress record for itemID.
func (a *App) GetProgress(itemID string) (task.Progress, error) {
	s, err := a.store()
	if err != nil {
		return task.Progress{}, err
	}
	return s.GetProgress(itemID)
}

// PurgeExpired removes expired cache entries from the store.
func (a *App) PurgeExpired(now time.Time) (int, error) {
	s, err := a.store()
	if err != nil {
		return 0, err
	}
	return s.PurgeExpired(now)
}

// Diagnose reports module states.
func (a *App) Diagnose() orchestrator.Report { return a.orchestrator.Diagnose() }

// Recover retries failed critical modules.
func (a *App) Recover(ctx context.Context) orchestrator.Report {
	return a.orchestrator.RecoverFailedModules(ctx)
}

// ResetSystem tears every module down, keeping the event bus, and boots the
// graph again.
func (a *App) ResetSystem(ctx context.Context) orchestrator.Report {
	a.shutdown()
	a.orchestrator.Reset(ModuleEventBus)
	return a.Start(ctx)
}

// Close waits for scheduled completions and closes the store.
func (a *App) Close() error {
	return a.shutdown()
}

func (a *App) shutdown() error {
	if m, ok := a.registry.Resolve(ModuleEngine).(*engineModule); ok {
		m.engine.Wait()
	}
	if m, ok := a.registry.Resolve(ModuleStorage).(*storageModule); ok {
		if err := m.Close(); err != nil {
			return fmt.Errorf("closing storage: %w", err)
		}
	}
	return nil
}
