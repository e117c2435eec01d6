// Package gamify assembles a ready-to-use progression service from its parts.
package gamify

import (
	"context"

	mem "xp360/adapters/memory"
	"xp360/catalog"
	"xp360/core"
	"xp360/engine"
	"xp360/leaderboard"
	"xp360/realtime"
)

// Option configures the service builder.
type Option func(*config)

type config struct {
	storage  engine.Storage
	catalog  engine.Catalog
	mode     engine.DispatchMode
	hub      *realtime.Hub
	board    leaderboard.Board
	handlers []func(context.Context, core.Event)
	service  []engine.Option
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithCatalog sets the badge catalog.
func WithCatalog(cat engine.Catalog) Option { return func(c *config) { c.catalog = cat } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLeaderboard keeps board in sync with XP changes.
func WithLeaderboard(b leaderboard.Board) Option { return func(c *config) { c.board = b } }

// WithEventHandler subscribes fn to every event, e.g. an analytics hook or a
// webhook sink.
func WithEventHandler(fn func(context.Context, core.Event)) Option {
	return func(c *config) {
		if fn != nil {
			c.handlers = append(c.handlers, fn)
		}
	}
}

// WithServiceOptions forwards options (curve, clock, location, logger) to the engine.
func WithServiceOptions(opts ...engine.Option) Option {
	return func(c *config) { c.service = append(c.service, opts...) }
}

// New builds a configured Service. If not provided, defaults are used:
//   - storage: in-memory
//   - catalog: catalog.Default
//   - dispatch: async
func New(opts ...Option) *engine.Service {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.catalog == nil {
		cfg.catalog = catalog.Default()
	}
	bus := engine.NewEventBus(cfg.mode)
	if cfg.hub != nil {
		bus.SubscribeAll(cfg.hub.Broadcast)
	}
	if cfg.board != nil {
		bus.Subscribe(core.EventExperienceGained, leaderboard.OnEvent(cfg.board))
	}
	for _, h := range cfg.handlers {
		bus.SubscribeAll(h)
	}
	return engine.NewService(cfg.storage, cfg.catalog, bus, cfg.service...)
}
