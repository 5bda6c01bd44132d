package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

const pingType = "connection_check"

type HeartbeatOptions struct {
	PingInterval    time.Duration
	CheckInterval   time.Duration
	Timeout         time.Duration
	MaxMissedPings  int
	ResponsiveBelow int
	Now             func() time.Time
}

// HeartbeatEngine pings every connection on a fixed cadence and evicts the
// ones that stop answering. It never holds connection state between ticks;
// each tick works on a fresh registry snapshot.
type HeartbeatEngine struct {
	registry *Registry
	opts     HeartbeatOptions
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartbeatEngine(registry *Registry, opts HeartbeatOptions, log *slog.Logger) *HeartbeatEngine {
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxMissedPings < 1 {
		opts.MaxMissedPings = 3
	}
	if opts.ResponsiveBelow < 1 || opts.ResponsiveBelow > opts.MaxMissedPings {
		opts.ResponsiveBelow = opts.MaxMissedPings
	}
	return &HeartbeatEngine{
		registry: registry,
		opts:     opts,
		log:      log,
	}
}

// Start runs the ping and timeout-check loops until ctx is cancelled or
// Stop is called.
func (h *HeartbeatEngine) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(2)
	go h.loop(ctx, h.opts.PingInterval, h.Tick)
	go h.loop(ctx, h.opts.CheckInterval, h.CheckTimeouts)

	h.log.Info("heartbeat engine started",
		"ping_interval", h.opts.PingInterval,
		"check_interval", h.opts.CheckInterval,
		"timeout", h.opts.Timeout,
		"max_missed_pings", h.opts.MaxMissedPings,
	)
}

func (h *HeartbeatEngine) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.log.Info("heartbeat engine stopped")
}

func (h *HeartbeatEngine) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer h.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick sends one round of pings. Every connected connection has its miss
// counter incremented before the ping goes out; a connection that reaches
// the threshold is evicted instead of pinged. A failed send is just a
// missed pong.
func (h *HeartbeatEngine) Tick(ctx context.Context) {
	const op = "service.heartbeat.tick"
	log := h.log.With(slog.String("op", op))

	now := h.opts.Now()
	evict := make(map[string]domain.TeardownReason)

	for _, c := range h.registry.ListAll() {
		transport, ok := h.registry.transport(c.ConnectionID)
		if !ok {
			continue
		}
		if !transport.Connected() {
			evict[c.ConnectionID] = domain.ReasonSocketDisconnected
			continue
		}

		updated, ok := h.registry.Update(c.ConnectionID, func(conn *domain.Connection) {
			conn.MissedPingCount++
			conn.LastPingSentAt = now
			conn.IsResponsive = conn.MissedPingCount < h.opts.ResponsiveBelow
		})
		if !ok {
			continue
		}
		if updated.MissedPingCount >= h.opts.MaxMissedPings {
			evict[c.ConnectionID] = domain.ReasonPingTimeout
			continue
		}

		err := transport.Send(domain.Event{
			Name: domain.EventPing,
			Data: domain.PingData{Timestamp: now, Type: pingType},
		})
		if err != nil {
			log.Debug("ping not delivered",
				slog.String("connection_id", c.ConnectionID),
				slog.Int("missed", updated.MissedPingCount),
				sl.Err(err),
			)
		}
	}

	h.evict(ctx, evict)
}

// CheckTimeouts evicts connections whose last client heartbeat is older
// than the timeout window, regardless of how they answer pings.
func (h *HeartbeatEngine) CheckTimeouts(ctx context.Context) {
	now := h.opts.Now()
	evict := make(map[string]domain.TeardownReason)

	for _, c := range h.registry.ListAll() {
		switch {
		case now.Sub(c.LastHeartbeat) > h.opts.Timeout:
			evict[c.ConnectionID] = domain.ReasonHeartbeatTimeout
		case c.MissedPingCount >= h.opts.MaxMissedPings:
			evict[c.ConnectionID] = domain.ReasonPingTimeout
		case !h.registry.IsConnected(c.ConnectionID):
			evict[c.ConnectionID] = domain.ReasonSocketDisconnected
		default:
			h.registry.Update(c.ConnectionID, func(conn *domain.Connection) {
				conn.IsResponsive = conn.MissedPingCount < h.opts.ResponsiveBelow
			})
		}
	}

	h.evict(ctx, evict)
}

// HandlePong records a reply to a server ping.
func (h *HeartbeatEngine) HandlePong(ctx context.Context, connectionID string) error {
	now := h.opts.Now()
	_, ok := h.registry.Update(connectionID, func(c *domain.Connection) {
		c.LastPongReceivedAt = now
		c.MissedPingCount = 0
		c.IsResponsive = true
	})
	if !ok {
		return ErrConnectionNotFound
	}
	h.registry.Refresh(ctx, connectionID)
	return nil
}

// HandleHeartbeat records a client-originated liveness signal and
// acknowledges it.
func (h *HeartbeatEngine) HandleHeartbeat(ctx context.Context, connectionID string) error {
	now := h.opts.Now()
	_, ok := h.registry.Update(connectionID, func(c *domain.Connection) {
		c.LastHeartbeat = now
		c.MissedPingCount = 0
		c.IsResponsive = true
	})
	if !ok {
		return ErrConnectionNotFound
	}
	h.registry.Refresh(ctx, connectionID)

	if err := h.registry.SendTo(connectionID, domain.Event{
		Name: domain.EventHeartbeatAck,
		Data: domain.HeartbeatAckData{Timestamp: now},
	}); err != nil {
		h.log.Debug("heartbeat ack not delivered",
			slog.String("connection_id", connectionID),
			sl.Err(err),
		)
	}
	return nil
}

func (h *HeartbeatEngine) evict(ctx context.Context, evict map[string]domain.TeardownReason) {
	if len(evict) == 0 {
		return
	}

	var wg sync.WaitGroup
	for id, reason := range evict {
		if c, ok := h.registry.LookupByConnectionID(id); ok {
			h.log.Info("evicting connection",
				slog.String("connection_id", id),
				slog.String("user_id", c.UserID),
				slog.String("reason", string(reason)),
				slog.String("state", string(c.State(h.opts.MaxMissedPings))),
				slog.Int("missed", c.MissedPingCount),
			)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.registry.Teardown(ctx, id, reason)
		}()
	}
	wg.Wait()

	h.log.Info("evicted connections", "count", len(evict))
}
