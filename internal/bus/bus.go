package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize   = 1024
	defaultStatusEvery = 30 * time.Second

	// TopicStatus receives periodic Status snapshots.
	TopicStatus = "status.bus"
)

var (
	// ErrStopped is returned by Publish after Stop has been called.
	ErrStopped = errors.New("bus is stopped")
)

// Envelope is one published (topic, payload) pair.
// Params: topic name, immutable payload, and enqueue timestamp.
// Returns: dispatchable bus item.
type Envelope struct {
	Topic   string
	Payload any
	At      time.Time
}

// Handler consumes one dispatched envelope.
// Params: ctx dispatch context; env delivered envelope.
// Returns: error when the handler cannot process the envelope.
type Handler func(ctx context.Context, env Envelope) error

// Interceptor inspects every envelope before subscriber fan-out.
// Params: dispatch context and current envelope.
// Returns: possibly rewritten envelope and false to suppress delivery.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, env Envelope) (Envelope, bool)
}

// Config defines bus queue and telemetry settings.
// Params: values from [bus] config section.
// Returns: bus runtime configuration.
type Config struct {
	QueueSize         int
	StatusEvery       time.Duration
	HighWatermark     float64
	CriticalWatermark float64
}

// Bus is a bounded FIFO publish/subscribe channel with one dispatcher loop.
// Params: queue limits, interceptor chain, and subscriber set.
// Returns: bus instance driving topic delivery.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	queue chan Envelope

	mu           sync.RWMutex
	subs         map[uint64]*Subscription
	nextSubID    uint64
	interceptors []Interceptor

	published atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	lagMillis atomic.Int64

	stopping atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// sentinel marks the stop boundary inside the dispatch queue.
type sentinel struct{}

// New creates a bus with bounded queue from config.
// Params: cfg bus settings; logger root logger.
// Returns: bus instance ready for Start.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = defaultStatusEvery
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = 0.75
	}
	if cfg.CriticalWatermark <= cfg.HighWatermark || cfg.CriticalWatermark > 1 {
		cfg.CriticalWatermark = 0.9
	}

	return &Bus{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Envelope, cfg.QueueSize),
		subs:   make(map[uint64]*Subscription),
		done:   make(chan struct{}),
	}
}

// Use appends one interceptor to the ordered dispatch chain.
// Params: interceptor chain element.
// Returns: none.
func (b *Bus) Use(interceptor Interceptor) {
	if interceptor == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptors = append(b.interceptors, interceptor)
}

// Start launches the dispatcher and status loops.
// Params: ctx bounds background loops.
// Returns: error when bus was already started.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.dispatchLoop(runCtx)
	go b.statusLoop(runCtx)
	return nil
}

// Publish enqueues one payload and blocks while the queue is full.
// Params: ctx bounds the wait; topic destination topic; payload immutable payload.
// Returns: ErrStopped after Stop, ctx error when canceled while waiting.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if b.stopping.Load() {
		return ErrStopped
	}
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	env := Envelope{Topic: topic, Payload: payload, At: time.Now()}
	select {
	case b.queue <- env:
		b.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for a topic pattern.
// Params: pattern dot-separated topic, '*' matches one segment; handler delivery callback.
// Returns: cancellable subscription handle or error on invalid input.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	compiled, ok := CompilePattern(pattern)
	if !ok {
		return nil, fmt.Errorf("invalid topic pattern %q", pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id:      b.nextSubID,
		pattern: compiled,
		handler: handler,
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes one subscription from the bus.
// Params: sub handle returned by Subscribe.
// Returns: none.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// Stop marks the bus stopping, discards queued backlog, and drains the dispatcher.
// Params: none.
// Returns: none; shutdown latency is bounded by one in-flight dispatch.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		if !b.started.Load() {
			return
		}

		b.queue <- Envelope{Topic: TopicStatus, Payload: sentinel{}, At: time.Now()}
		<-b.done
		if b.cancel != nil {
			b.cancel()
		}

		for {
			select {
			case <-b.queue:
				b.dropped.Add(1)
				continue
			default:
			}
			break
		}

		b.deliver(context.Background(), Envelope{
			Topic:   TopicStatus,
			Payload: b.Snapshot(),
			At:      time.Now(),
		})
	})
}

// dispatchLoop consumes the queue, applies interceptors, and fans out envelopes.
// Params: ctx dispatch lifecycle context.
// Returns: none; exits when the stop sentinel is consumed.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)

	for env := range b.queue {
		if _, isStop := env.Payload.(sentinel); isStop {
			return
		}
		if b.stopping.Load() {
			b.dropped.Add(1)
			continue
		}

		b.lagMillis.Store(time.Since(env.At).Milliseconds())

		delivered, suppressed := b.runInterceptors(ctx, env)
		if suppressed {
			b.dropped.Add(1)
			continue
		}

		b.deliver(ctx, delivered)
		b.processed.Add(1)
	}
}

// runInterceptors applies the ordered interceptor chain to one envelope.
// Params: ctx dispatch context; env queued envelope.
// Returns: final envelope and true when delivery must be suppressed.
func (b *Bus) runInterceptors(ctx context.Context, env Envelope) (Envelope, bool) {
	b.mu.RLock()
	chain := b.interceptors
	b.mu.RUnlock()

	for _, interceptor := range chain {
		next, pass := interceptor.Intercept(ctx, env)
		if !pass {
			b.logger.Debug(
				"envelope suppressed",
				slog.String("topic", env.Topic),
				slog.String("interceptor", interceptor.Name()),
			)
			return env, true
		}
		env = next
	}
	return env, false
}

// deliver fans out one envelope to all matching subscribers concurrently.
// Params: ctx dispatch context; env envelope after interceptors.
// Returns: none; handler errors and panics are contained per subscriber.
func (b *Bus) deliver(ctx context.Context, env Envelope) {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.pattern.Match(env.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(matched))
	for _, sub := range matched {
		go func(active *Subscription) {
			defer wg.Done()
			b.invoke(ctx, active, env)
		}(sub)
	}
	wg.Wait()
}

// invoke runs one handler with panic containment and failure accounting.
// Params: ctx dispatch context; sub target subscription; env delivered envelope.
// Returns: none.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, env Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			sub.failed.Add(1)
			b.logger.Error(
				"handler panic",
				slog.String("topic", env.Topic),
				slog.String("pattern", sub.pattern.String()),
				slog.Any("panic", recovered),
			)
		}
	}()

	if err := sub.handler(ctx, env); err != nil {
		sub.failed.Add(1)
		b.logger.Error(
			"handler failed",
			slog.String("topic", env.Topic),
			slog.String("pattern", sub.pattern.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	sub.delivered.Add(1)
}

// statusLoop publishes periodic status snapshots until cancellation.
// Params: ctx loop lifecycle context.
// Returns: none.
func (b *Bus) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.StatusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStatus(ctx)
		}
	}
}

// publishStatus enqueues one status snapshot without waiting on a full queue.
// Params: ctx bounds the publish attempt.
// Returns: none; the snapshot is skipped when the queue has no room.
func (b *Bus) publishStatus(ctx context.Context) {
	if b.stopping.Load() {
		return
	}

	env := Envelope{Topic: TopicStatus, Payload: b.Snapshot(), At: time.Now()}
	select {
	case b.queue <- env:
		b.published.Add(1)
	case <-ctx.Done():
	default:
		b.logger.Warn("status snapshot skipped: queue is full")
	}
}

// Subscription is one cancellable topic registration.
// Params: compiled pattern, handler, and delivery counters.
// Returns: handle usable for Cancel and stats.
type Subscription struct {
	id      uint64
	pattern Pattern
	handler Handler
	bus     *Bus

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Cancel removes the subscription from its bus.
// Params: none.
// Returns: none.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s)
}

// Stats reports delivery counters for this subscription.
// Params: none.
// Returns: delivered and failed handler invocation counts.
func (s *Subscription) Stats() (delivered, failed uint64) {
	return s.delivered.Load(), s.failed.Load()
}
