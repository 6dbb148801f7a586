package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/taskcheck/internal/cache"
	"github.com/kalambet/taskcheck/internal/classifier"
	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/inspector"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/verification"
)

// Module names in the default manifest.
const (
	ModuleStorage         = "storage"
	ModuleEventBus        = "event-bus"
	ModuleCache           = "cache"
	ModuleInspector       = "inspector"
	ModuleClassifier      = "classifier"
	ModuleService         = "verification-service"
	ModuleStrategyGeneric = "strategy-generic"
	ModuleStrategyLimited = "strategy-limited"
	ModuleStrategyPartner = "strategy-partner"
	ModuleStrategySocial  = "strategy-social"
	ModuleEngine          = "verification-engine"
)

// Capabilities bound after init.
const (
	CapContentInspector = "content-inspector"
	CapEventPublisher   = "event-publisher"
)

// component is implemented by modules whose working value is built in Init.
// Dependents receive the module and unwrap it.
type component interface {
	Component() any
}

func unwrap(instance any) any {
	if c, ok := instance.(component); ok {
		if v := c.Component(); v != nil {
			return v
		}
	}
	return instance
}

// storageModule opens the SQLite store on Init.
type storageModule struct {
	dataDir string

	mu    sync.Mutex
	store *storage.Store
}

func (m *storageModule) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return nil
	}
	s, err := storage.Open(m.dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	m.store = s
	return nil
}

func (m *storageModule) Store() *storage.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

func (m *storageModule) Component() any {
	if s := m.Store(); s != nil {
		return s
	}
	return nil
}

func (m *storageModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	return err
}

// cacheModule builds the verification cache over the store.
type cacheModule struct {
	kv    cache.KV
	cache *cache.Cache
}

func (m *cacheModule) SetDependency(name string, instance any) {
	if kv, ok := unwrap(instance).(cache.KV); ok {
		m.kv = kv
	}
}

func (m *cacheModule) Init(context.Context) error {
	if m.kv == nil {
		return fmt.Errorf("cache requires %s", ModuleStorage)
	}
	m.cache = cache.New(m.kv)
	return nil
}

func (m *cacheModule) Component() any {
	if m.cache == nil {
		return nil
	}
	return m.cache
}

// classifierModule builds the classifier from the cache and item store and
// takes the content inspector through capability binding.
type classifierModule struct {
	cache      *cache.Cache
	items      classifier.ItemFinder
	classifier *classifier.Classifier
}

func (m *classifierModule) SetDependency(name string, instance any) {
	switch v := unwrap(instance).(type) {
	case *cache.Cache:
		m.cache = v
	case classifier.ItemFinder:
		m.items = v
	}
}

func (m *classifierModule) Init(context.Context) error {
	m.classifier = classifier.New(m.cache, m.items, nil)
	return nil
}

func (m *classifierModule) BindCapability(capability string, impl any) {
	if capability != CapContentInspector || m.classifier == nil {
		return
	}
	if insp, ok := impl.(classifier.Inspector); ok {
		m.classifier.SetInspector(insp)
	}
}

func (m *classifierModule) Component() any {
	if m.classifier == nil {
		return nil
	}
	return m.classifier
}

// engineModule hands unwrapped collaborators to the verification engine.
type engineModule struct {
	engine *verification.Engine
}

func newEngineModule(cfg verification.Config) *engineModule {
	return &engineModule{engine: verification.New(cfg, nil, nil, nil, nil)}
}

func (m *engineModule) SetDependency(name string, instance any) {
	m.engine.SetDependency(name, unwrap(instance))
}

func (m *engineModule) BindCapability(capability string, impl any) {
	if capability == CapEventPublisher {
		m.engine.SetDependency(capability, impl)
	}
}

func (m *engineModule) Component() any { return m.engine }

// noInspector is the content-inspector default when none is configured.
type noInspector struct{}

func (noInspector) Inspect(context.Context, string) (inspector.Hints, error) {
	return inspector.Hints{}, nil
}

// discardPublisher is the event-publisher default when no bus is Ready.
type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) bool { return false }
