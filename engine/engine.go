package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitflowhq/bitflow-core/bridge"
	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/config"
	"github.com/bitflowhq/bitflow-core/escrow"
	"github.com/bitflowhq/bitflow-core/events"
	"github.com/bitflowhq/bitflow-core/health"
	"github.com/bitflowhq/bitflow-core/monitor"
	"github.com/bitflowhq/bitflow-core/natsclient"
	"github.com/bitflowhq/bitflow-core/recovery"
	"github.com/bitflowhq/bitflow-core/store"
	"github.com/bitflowhq/bitflow-core/stream"
	"github.com/bitflowhq/bitflow-core/subscription"
	"github.com/bitflowhq/bitflow-core/yield"
)

// Engine wires the settlement components together and drives their
// lifecycle.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	nats      *natsclient.Client
	st        store.Store
	publisher events.Publisher

	recovery *recovery.Manager
	escrow   *escrow.Ledger
	streams  *stream.Manager
	bridge   *bridge.Adapter
	yield    *yield.Manager
	subs     *subscription.Manager
	monitor  *monitor.Monitor

	started bool
}

// New builds an engine from validated configuration. Nothing connects or
// starts until Start is called.
func New(cfg *config.Config, deps component.Dependencies) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: deps.GetLoggerWithComponent("engine"),
	}

	// Infrastructure: NATS is optional; without it the engine runs on
	// memory storage and discards events.
	if cfg.NATS.Enabled {
		e.nats = natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithName(cfg.NATS.Name),
			natsclient.WithLogger(deps.GetLogger()),
			natsclient.WithTimeout(cfg.NATS.ConnectTimeout.Duration),
			natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		)
		e.publisher = events.NewNATSPublisher(e.nats, deps.GetLogger())
	} else {
		e.publisher = events.Nop{}
	}

	switch cfg.Storage.Mode {
	case config.StorageModeKV:
		e.st = store.NewKV(e.nats, cfg.Storage.BucketPrefix)
	default:
		e.st = store.NewMemory()
	}

	// Components, in dependency order.
	e.recovery = recovery.NewManager(cfg.Recovery.Component(), e.st, e.publisher, deps)
	e.escrow = escrow.NewLedger(e.recovery.Guard(), e.recovery, deps)
	e.streams = stream.NewManager(cfg.Stream.Component(), e.escrow, e.recovery, e.st, e.publisher, deps)
	e.bridge = bridge.NewAdapter(cfg.Bridge.Component(), e.recovery.Guard(), e.recovery, e.st, e.publisher, deps)
	e.yield = yield.NewManager(cfg.Yield.Component(), e.streams, e.escrow, e.recovery, e.st, e.publisher, deps)
	e.subs = subscription.NewManager(e.streams, e.st, e.publisher, deps)

	for _, p := range cfg.Yield.Protocols {
		proto := &yield.StaticProtocol{
			ProtocolName: p.Name,
			RateBps:      p.RateBps,
			MinStake:     p.MinStake,
		}
		if err := e.yield.RegisterProtocol(proto); err != nil {
			return nil, fmt.Errorf("register protocol %s: %w", p.Name, err)
		}
	}

	// Pause plans target components by name.
	e.recovery.RegisterPausable(e.bridge.Name(), e.bridge)
	e.recovery.RegisterPausable(e.yield.Name(), e.yield)

	e.monitor = monitor.New(cfg.Monitor.Component(), e.recovery, deps)
	e.monitor.Register(e.recovery)
	e.monitor.Register(e.escrow)
	e.monitor.Register(e.streams)
	e.monitor.Register(e.bridge)
	e.monitor.Register(e.yield)
	e.monitor.Register(e.subs)
	e.monitor.WatchBridges(e.bridge)
	e.monitor.WatchEscrow(e.escrow)

	return e, nil
}

// Start connects infrastructure, loads persisted component state and
// starts the background loops.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if e.nats != nil {
		e.logger.Info("Connecting to NATS", "url", e.cfg.NATS.URL)
		if err := e.nats.Connect(ctx); err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
	}

	if err := e.streams.Initialize(); err != nil {
		return fmt.Errorf("initialize streams: %w", err)
	}
	if err := e.bridge.Initialize(); err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}
	if err := e.yield.Initialize(); err != nil {
		return fmt.Errorf("initialize yield: %w", err)
	}
	if err := e.subs.Initialize(); err != nil {
		return fmt.Errorf("initialize subscriptions: %w", err)
	}

	if err := e.streams.Start(ctx); err != nil {
		return fmt.Errorf("start stream manager: %w", err)
	}
	if err := e.monitor.Start(ctx); err != nil {
		e.stopStreams(5 * time.Second)
		return fmt.Errorf("start monitor: %w", err)
	}

	e.started = true
	e.logger.Info("Engine started",
		"storage_mode", e.cfg.Storage.Mode,
		"nats_enabled", e.cfg.NATS.Enabled,
		"yield_protocols", len(e.cfg.Yield.Protocols))
	return nil
}

// Stop shuts the engine down in reverse start order: monitor first, then
// the payment loop, then infrastructure.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.started {
		return nil
	}
	e.started = false

	var firstErr error
	if err := e.monitor.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.stopStreams(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.nats != nil {
		e.nats.Close()
	}

	e.logger.Info("Engine stopped")
	return firstErr
}

func (e *Engine) stopStreams(timeout time.Duration) error {
	return e.streams.Stop(timeout)
}

// Health returns the aggregated system health across all components.
func (e *Engine) Health() health.Status {
	return e.monitor.CheckSystemHealth()
}

// Recovery returns the error recovery manager.
func (e *Engine) Recovery() *recovery.Manager { return e.recovery }

// Escrow returns the escrow ledger.
func (e *Engine) Escrow() *escrow.Ledger { return e.escrow }

// Streams returns the payment stream manager.
func (e *Engine) Streams() *stream.Manager { return e.streams }

// Bridge returns the bridge adapter.
func (e *Engine) Bridge() *bridge.Adapter { return e.bridge }

// Yield returns the yield manager.
func (e *Engine) Yield() *yield.Manager { return e.yield }

// Subscriptions returns the subscription manager.
func (e *Engine) Subscriptions() *subscription.Manager { return e.subs }

// Monitor returns the health monitor.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }
