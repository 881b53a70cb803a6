// Package registry maps configuration names to adapter constructors. Models
// register themselves at init time; the runner resolves them once at startup
// and fails fast on anything unknown.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
)

// SystemFactory builds a system model adapter bound to a cluster manager.
type SystemFactory func(mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.SystemModel, error)

// FaultFactory builds a fault model adapter bound to a cluster manager.
type FaultFactory func(mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.FaultModel, error)

var (
	mu      sync.RWMutex
	systems = make(map[string]SystemFactory)
	faults  = make(map[string]FaultFactory)
)

// RegisterSystem makes a system model available under name. Duplicate
// registration panics: it is a wiring bug, not a runtime condition.
func RegisterSystem(name string, factory SystemFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := systems[name]; dup {
		panic(fmt.Sprintf("registry: system model %q registered twice", name))
	}
	systems[name] = factory
}

// RegisterFault makes a fault model available under name.
func RegisterFault(name string, factory FaultFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := faults[name]; dup {
		panic(fmt.Sprintf("registry: fault model %q registered twice", name))
	}
	faults[name] = factory
}

// ResolveSystem builds the named system model.
func ResolveSystem(name string, mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.SystemModel, error) {
	mu.RLock()
	factory, ok := systems[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown system model %q (available: %v)", name, SystemModels())
	}
	return factory(mgr, cfg, logger)
}

// ResolveFault builds the named fault model. An empty name resolves to no
// fault model at all.
func ResolveFault(name string, mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.FaultModel, error) {
	if name == "" {
		return nil, nil
	}
	mu.RLock()
	factory, ok := faults[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown fault model %q (available: %v)", name, FaultModels())
	}
	return factory(mgr, cfg, logger)
}

// SystemModels lists registered system model names, sorted.
func SystemModels() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(systems))
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FaultModels lists registered fault model names, sorted.
func FaultModels() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(faults))
	for name := range faults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
