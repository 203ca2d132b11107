package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// HealthState is one module health classification.
// Params: ordered by severity for worst-of folding.
// Returns: ok/degraded/failed state.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)

// Health is one module health report.
// Params: state classification and optional human-readable detail.
// Returns: report returned from Module.Health.
type Health struct {
	State  HealthState `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// HealthSummary folds all module reports into one status.
// Params: worst-of module state and per-module map.
// Returns: summary published on status.health.summary.
type HealthSummary struct {
	Status  HealthState       `json:"status"`
	Modules map[string]Health `json:"modules"`
	At      time.Time         `json:"at"`
}

// severityRank maps health states to fold ordering.
// Params: state health classification.
// Returns: numeric severity, higher is worse.
func severityRank(state HealthState) int {
	switch state {
	case HealthFailed:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// WorstOf folds per-module health reports into one summary state.
// Params: reports per-module health map.
// Returns: worst state across all reports, ok for an empty map.
func WorstOf(reports map[string]Health) HealthState {
	worst := HealthOK
	for _, report := range reports {
		if severityRank(report.State) > severityRank(worst) {
			worst = report.State
		}
	}
	return worst
}

// Module is one pipeline stage plugged into the shared bus.
// Params: lifecycle and configuration capability set.
// Returns: module contract used by the orchestrator.
type Module interface {
	Name() string
	Configure(cfg config.ModuleConfig) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() Health
}

// Builder constructs one module attached to the shared bus.
// Params: b shared event bus; logger root logger.
// Returns: unconfigured module instance.
type Builder func(b *bus.Bus, logger *slog.Logger) Module

// Registry maps module names to constructors.
// Params: name-keyed builder set.
// Returns: explicit replacement for reflection-based discovery.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty module registry.
// Params: none.
// Returns: registry instance.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds one named module builder.
// Params: name module identity; builder constructor.
// Returns: error when the name is already taken.
func (r *Registry) Register(name string, builder Builder) error {
	if builder == nil {
		return fmt.Errorf("builder for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("module %q is already registered", name)
	}
	r.builders[name] = builder
	return nil
}

// Build constructs one registered module.
// Params: name module identity; b shared bus; logger root logger.
// Returns: module instance or error for unknown names.
func (r *Registry) Build(name string, b *bus.Bus, logger *slog.Logger) (Module, error) {
	r.mu.RLock()
	builder, exists := r.builders[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	return builder(b, logger), nil
}

// Names lists registered module names.
// Params: none.
// Returns: sorted name list.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with all built-in pipeline stages.
// Params: none.
// Returns: registry covering dedup, zoning, router, ratelimit, artifact builders, and retention.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register("dedup", func(b *bus.Bus, logger *slog.Logger) Module {
		return NewDeduplicator(b, logger)
	})
	_ = registry.Register("zoning", func(b *bus.Bus, logger *slog.Logger) Module {
		return NewZoningFilter(b, logger)
	})
	_ = registry.Register("router", func(b *bus.Bus, logger *slog.Logger) Module {
		return NewDetectionRouter(b, logger)
	})
	_ = registry.Register("ratelimit", func(b *bus.Bus, logger *slog.Logger) Module {
		return NewRateLimiter(b, logger)
	})
	_ = registry.Register("retention", func(b *bus.Bus, logger *slog.Logger) Module {
		return NewStorageRetention(b, logger)
	})
	for _, kind := range []string{ArtifactKindSnapshot, ArtifactKindGIF, ArtifactKindClip} {
		artifactKind := kind
		_ = registry.Register(config.ArtifactModulePrefix+artifactKind, func(b *bus.Bus, logger *slog.Logger) Module {
			return NewArtifactBuilder(artifactKind, b, logger)
		})
	}
	return registry
}
