package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"watchpost/internal/bus"
	"watchpost/internal/config"
)

// Orchestrator owns the bus lifecycle and the ordered module set.
// Params: shared bus, config service, and health loop settings.
// Returns: top-level pipeline coordinator.
type Orchestrator struct {
	bus      *bus.Bus
	service  *config.Service
	registry *Registry
	logger   *slog.Logger
	rootLog  *slog.Logger

	healthEvery     time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	modules []Module
	started bool

	configSub *bus.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with no modules attached.
// Params: b shared bus; service config resolution service; registry module builders; health loop settings; logger root logger.
// Returns: orchestrator instance.
func NewOrchestrator(b *bus.Bus, service *config.Service, registry *Registry, health config.HealthConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:             b,
		service:         service,
		registry:        registry,
		logger:          logger.With(slog.String("component", "orchestrator")),
		rootLog:         logger,
		healthEvery:     health.Every.Duration,
		shutdownTimeout: health.ShutdownTimeout.Duration,
	}
}

// Add builds, configures, and appends one module in start order.
// Params: name registered module name.
// Returns: build or configure error; the module set stays unchanged on failure.
func (o *Orchestrator) Add(name string) error {
	moduleCfg, err := o.service.Resolve(name)
	if err != nil {
		return fmt.Errorf("resolve module %q: %w", name, err)
	}

	module, err := o.registry.Build(name, o.bus, o.rootLog)
	if err != nil {
		return fmt.Errorf("build module %q: %w", name, err)
	}

	if err := module.Configure(moduleCfg); err != nil {
		return fmt.Errorf("configure module %q: %w", name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("cannot add module %q after start", name)
	}
	o.modules = append(o.modules, module)
	return nil
}

// Start launches the bus and every module in registration order.
// Params: ctx parent context bounding module goroutines.
// Returns: first start error; already started modules are stopped in reverse.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	if err := o.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	for idx, module := range modules {
		if err := module.Start(ctx); err != nil {
			o.logger.Error("module start failed", slog.String("module", module.Name()), slog.Any("error", err))
			o.stopModules(ctx, modules[:idx])
			o.bus.Stop()
			return fmt.Errorf("start module %q: %w", module.Name(), err)
		}
		o.logger.Info("module started", slog.String("module", module.Name()))
	}

	configSub, err := o.bus.Subscribe(TopicConfigUpdate, o.handleConfigUpdate)
	if err != nil {
		o.stopModules(ctx, modules)
		o.bus.Stop()
		return fmt.Errorf("subscribe config updates: %w", err)
	}
	o.configSub = configSub

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.healthLoop(loopCtx)

	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	return nil
}

// Stop halts modules in reverse order and shuts the bus down last.
// Params: ctx caller context; a shutdown timeout bounds module stops.
// Returns: nil; individual stop failures are logged and tolerated.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	if o.configSub != nil {
		o.configSub.Cancel()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	stopCtx, cancel := context.WithTimeout(ctx, o.shutdownTimeout)
	defer cancel()
	o.stopModules(stopCtx, modules)

	o.bus.Stop()
	return nil
}

// stopModules stops a module prefix in reverse order, tolerating errors.
// Params: ctx stop context; modules ordered module slice.
// Returns: nothing.
func (o *Orchestrator) stopModules(ctx context.Context, modules []Module) {
	for idx := len(modules) - 1; idx >= 0; idx-- {
		module := modules[idx]
		if err := module.Stop(ctx); err != nil {
			o.logger.Error("module stop failed", slog.String("module", module.Name()), slog.Any("error", err))
			continue
		}
		o.logger.Info("module stopped", slog.String("module", module.Name()))
	}
}

// healthLoop polls module health and publishes the folded summary.
// Params: ctx loop context.
// Returns: nothing; runs until Stop.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := o.HealthSummary()
			if summary.Status != HealthOK {
				o.logger.Warn("pipeline health degraded", slog.String("status", string(summary.Status)))
			}
			if err := o.bus.Publish(ctx, TopicHealthSummary, summary); err != nil {
				o.logger.Warn("health summary publish failed", slog.Any("error", err))
			}
		}
	}
}

// HealthSummary gathers per-module health into one folded report.
// Params: none.
// Returns: summary with the worst module state on top.
func (o *Orchestrator) HealthSummary() HealthSummary {
	o.mu.Lock()
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	reports := make(map[string]Health, len(modules))
	for _, module := range modules {
		reports[module.Name()] = module.Health()
	}

	return HealthSummary{
		Status:  WorstOf(reports),
		Modules: reports,
		At:      time.Now(),
	}
}

// handleConfigUpdate reconfigures running modules from a config.update request.
// Params: ctx dispatch context; env envelope carrying a ConfigUpdate.
// Returns: reload error; per-module configure failures are logged and tolerated.
func (o *Orchestrator) handleConfigUpdate(ctx context.Context, env bus.Envelope) error {
	update, ok := env.Payload.(ConfigUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", env.Payload, env.Topic)
	}

	if update.Reload {
		if _, err := o.service.Reload(); err != nil {
			o.logger.Error("config reload failed, previous config stays active", slog.Any("error", err))
			return err
		}
		o.logger.Info("config reloaded")
	}

	o.mu.Lock()
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	targets := make(map[string]struct{}, len(update.Modules))
	for _, name := range update.Modules {
		targets[name] = struct{}{}
	}

	snapshot := ConfigSnapshot{
		SchemaVersion: CurrentSchemaVersion,
		Modules:       make(map[string]bool, len(modules)),
		At:            time.Now(),
	}

	for _, module := range modules {
		if len(targets) > 0 {
			if _, wanted := targets[module.Name()]; !wanted {
				continue
			}
		}

		moduleCfg, err := o.service.Resolve(module.Name())
		if err != nil {
			o.logger.Error("module config resolve failed", slog.String("module", module.Name()), slog.Any("error", err))
			continue
		}
		if err := module.Configure(moduleCfg); err != nil {
			o.logger.Error("module reconfigure failed", slog.String("module", module.Name()), slog.Any("error", err))
			continue
		}
		snapshot.Modules[module.Name()] = moduleCfg.Enabled
		o.logger.Info("module reconfigured", slog.String("module", module.Name()), slog.Bool("enabled", moduleCfg.Enabled))
	}

	return o.bus.Publish(ctx, TopicConfigSnap, snapshot)
}
