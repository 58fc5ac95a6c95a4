package adapter

import (
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
)

// Registry is a name-keyed map of adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // registration order; first entry is the default
	logger   *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   log.WithFields(zap.String("component", "adapter-registry")),
	}
}

// LoadDefaults registers the built-in adapters.
func (r *Registry) LoadDefaults() {
	r.Register(&ClaudeAdapter{})
	r.Register(&CodexAdapter{})
	r.Register(&GeminiAdapter{})
}

// Register adds an adapter. A later registration under the same name wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; !exists {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Default returns the first registered adapter. Used for the legacy
// /notification route.
func (r *Registry) Default() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	return r.adapters[r.order[0]]
}

// List returns all registered adapters in registration order.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.adapters[name])
	}
	return result
}

// FindByPrefix resolves an adapter from a multiplexer session name, used
// during recovery when only the tmux session survives a restart.
func (r *Registry) FindByPrefix(tmuxSession string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		a := r.adapters[name]
		if strings.HasPrefix(tmuxSession, a.SessionPrefix()+"-") {
			return a, true
		}
	}
	return nil, false
}

// FindByBinary resolves an adapter from its launch binary name.
func (r *Registry) FindByBinary(binary string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		a := r.adapters[name]
		if a.Binary() == binary {
			return a, true
		}
	}
	return nil, false
}

// DetectAll probes every adapter's binary version against its declared
// compatibility range. A mismatch logs a warning but never blocks startup.
func (r *Registry) DetectAll() {
	for _, a := range r.List() {
		version := a.DetectVersion()
		if version == nil {
			r.logger.Debug("agent binary not detected", zap.String("agent", a.Name()))
			continue
		}
		constraint, err := semver.NewConstraint(a.VersionRange())
		if err != nil {
			r.logger.Warn("invalid version range on adapter",
				zap.String("agent", a.Name()), zap.String("range", a.VersionRange()))
			continue
		}
		if !constraint.Check(version) {
			r.logger.Warn("agent version outside supported range",
				zap.String("agent", a.Name()),
				zap.String("version", version.String()),
				zap.String("supported", a.VersionRange()))
			continue
		}
		r.logger.Info("detected agent",
			zap.String("agent", a.Name()), zap.String("version", version.String()))
	}
}
