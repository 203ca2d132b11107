package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// Runner drives one orchestrator for the lifetime of a context.
// Params: fully wired orchestrator.
// Returns: blocking run loop for the app layer.
type Runner struct {
	orchestrator *Orchestrator
}

// startOrder lists module names in pipeline order for one config.
// Params: cfg active configuration.
// Returns: ordered module name list including configured artifact builders.
func startOrder(cfg *config.Config) []string {
	names := []string{"dedup", "zoning", "router"}
	for _, artifact := range cfg.Modules.Artifact {
		names = append(names, config.ArtifactModulePrefix+artifact.Kind)
	}
	return append(names, "ratelimit", "retention")
}

// NewFromConfig wires the bus, registry, and all configured modules.
// Params: service config resolution service; logger root logger.
// Returns: runner ready for Run or a wiring error.
func NewFromConfig(service *config.Service, logger *slog.Logger) (*Runner, error) {
	cfg := service.Current()
	if cfg == nil {
		return nil, fmt.Errorf("no active config")
	}

	b := bus.New(bus.Config{
		QueueSize:         cfg.Bus.QueueSize,
		StatusEvery:       cfg.Bus.StatusEvery.Duration,
		HighWatermark:     cfg.Bus.HighWatermark,
		CriticalWatermark: cfg.Bus.CriticalWatermark,
	}, logger)

	orchestrator := NewOrchestrator(b, service, DefaultRegistry(), cfg.Health, logger)
	for _, name := range startOrder(cfg) {
		if err := orchestrator.Add(name); err != nil {
			return nil, fmt.Errorf("wire module %q: %w", name, err)
		}
	}

	return &Runner{orchestrator: orchestrator}, nil
}

// Run starts the pipeline and blocks until the context ends.
// Params: ctx lifecycle context.
// Returns: start error, or the stop error after cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	<-ctx.Done()

	// Stop gets a fresh context so shutdown is not cut short by the trigger.
	return r.orchestrator.Stop(context.Background())
}
