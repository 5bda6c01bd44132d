package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/metrics"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
	"github.com/immxrtalbeast/guest_signaling/internal/repository/model"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

const defaultOpTimeout = 2 * time.Second

type RegisterRequest struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Metadata     domain.TransportMetadata
	Transport    Transport
}

type RegistryOptions struct {
	InstanceID string
	// MirrorTTL is applied to every mirrored key and must cover the
	// heartbeat timeout window.
	MirrorTTL time.Duration
	OpTimeout time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
}

type entry struct {
	conn      domain.Connection
	transport Transport
}

// Registry is the in-memory source of truth for live connections. Every
// mutation goes through its methods; callers only ever see snapshots.
type Registry struct {
	store      repository.MirrorStore
	log        *slog.Logger
	metrics    *metrics.Metrics
	instanceID string
	ttl        time.Duration
	opTimeout  time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	conns map[string]*entry
	users map[string]string
}

func NewRegistry(store repository.MirrorStore, opts RegistryOptions, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Registry{
		store:      store,
		log:        log,
		metrics:    opts.Metrics,
		instanceID: opts.InstanceID,
		ttl:        opts.MirrorTTL,
		opTimeout:  opts.OpTimeout,
		now:        opts.Now,
		conns:      make(map[string]*entry),
		users:      make(map[string]string),
	}
}

func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Register adds a connection. A connection already holding the same user id
// is torn down first; registering the same connection id twice is a
// conflict.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (domain.Connection, error) {
	const op = "service.registry.register"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", req.ConnectionID),
		slog.String("user_id", req.UserID),
	)

	if req.ConnectionID == "" || req.UserID == "" {
		return domain.Connection{}, errors.New("connection id and user id are required")
	}
	if req.Transport == nil {
		return domain.Connection{}, errors.New("transport is required")
	}

	r.mu.Lock()
	for {
		if _, ok := r.conns[req.ConnectionID]; ok {
			r.mu.Unlock()
			return domain.Connection{}, ErrConflict
		}
		prev, ok := r.users[req.UserID]
		if !ok {
			break
		}
		r.mu.Unlock()
		log.Info("superseding previous connection", slog.String("previous_connection_id", prev))
		r.Teardown(ctx, prev, domain.ReasonSuperseded)
		r.mu.Lock()
	}

	conn := domain.NewConnection(req.ConnectionID, req.UserID, req.DisplayName, req.Metadata, r.now())
	r.conns[conn.ConnectionID] = &entry{conn: conn, transport: req.Transport}
	r.users[conn.UserID] = conn.ConnectionID
	others := r.othersLocked(conn.ConnectionID)
	r.mu.Unlock()

	r.writeMirror(ctx, conn)

	r.send(req.Transport, domain.Event{
		Name: domain.EventGuestRegistered,
		Data: domain.GuestRegisteredData{
			ConnectionID: conn.ConnectionID,
			UserID:       conn.UserID,
			Name:         conn.DisplayName,
		},
	})
	for _, other := range others {
		r.send(req.Transport, domain.Event{
			Name: domain.EventGuestJoined,
			Data: domain.GuestJoinedData{UserID: other.conn.UserID, Name: other.conn.DisplayName},
		})
	}
	r.broadcast(others, domain.Event{
		Name: domain.EventGuestJoined,
		Data: domain.GuestJoinedData{UserID: conn.UserID, Name: conn.DisplayName},
	})

	log.Info("connection registered",
		"display_name", conn.DisplayName,
		"remote_addr", conn.Metadata.RemoteAddr,
		"online", len(others)+1,
	)
	return conn, nil
}

// Teardown fully removes a connection. It is idempotent and never fails:
// memory is cleared first, then the mirror, then the remaining connections
// are notified. Individual step failures are logged.
func (r *Registry) Teardown(ctx context.Context, connectionID string, reason domain.TeardownReason) {
	const op = "service.registry.teardown"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
		slog.String("reason", string(reason)),
	)

	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	if r.users[e.conn.UserID] == connectionID {
		delete(r.users, e.conn.UserID)
	}
	others := r.othersLocked(connectionID)
	r.mu.Unlock()

	if err := e.transport.Close(); err != nil {
		log.Debug("transport close failed", sl.Err(err))
	}

	r.deleteMirror(ctx, e.conn)

	r.broadcast(others, domain.Event{
		Name: domain.EventGuestLeft,
		Data: domain.GuestLeftData{UserID: e.conn.UserID, Reason: reason},
	})
	if e.conn.InRoom() {
		r.broadcast(inRoom(others, e.conn.RoomID), domain.Event{
			Name: domain.EventUserLeft,
			Data: domain.RoomMemberData{UserID: e.conn.UserID, UserName: e.conn.DisplayName},
		})
	}

	r.metrics.TeardownCompleted(string(reason))
	log.Info("connection torn down",
		"user_id", e.conn.UserID,
		"online", len(others),
	)
}

func (r *Registry) LookupByConnectionID(connectionID string) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

func (r *Registry) LookupByUserID(userID string) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[userID]
	if !ok {
		return domain.Connection{}, false
	}
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

// ListAll returns a snapshot of every connection ordered by join time.
func (r *Registry) ListAll() []domain.Connection {
	r.mu.RLock()
	out := make([]domain.Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Connection) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.ConnectionID < b.ConnectionID {
			return -1
		}
		if a.ConnectionID > b.ConnectionID {
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Has reports whether connectionID is currently registered.
func (r *Registry) Has(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connectionID]
	return ok
}

// IsConnected reports whether the connection is registered and its
// transport still reports connected.
func (r *Registry) IsConnected(connectionID string) bool {
	t, ok := r.transport(connectionID)
	return ok && t.Connected()
}

// Update applies fn to the stored connection under the registry lock and
// returns the resulting snapshot.
func (r *Registry) Update(connectionID string, fn func(c *domain.Connection)) (domain.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return domain.Connection{}, false
	}
	fn(&e.conn)
	return e.conn, true
}

// Refresh rewrites the mirror for a live connection, extending its TTL.
func (r *Registry) Refresh(ctx context.Context, connectionID string) {
	conn, ok := r.LookupByConnectionID(connectionID)
	if !ok {
		return
	}
	r.writeMirror(ctx, conn)
}

// SendTo delivers an event to one connection.
func (r *Registry) SendTo(connectionID string, event domain.Event) error {
	t, ok := r.transport(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	return t.Send(event)
}

// SendToUser delivers an event to the live connection of userID.
func (r *Registry) SendToUser(userID string, event domain.Event) error {
	r.mu.RLock()
	var t Transport
	if id, ok := r.users[userID]; ok {
		if e, ok := r.conns[id]; ok {
			t = e.transport
		}
	}
	r.mu.RUnlock()

	if t == nil || !t.Connected() {
		return ErrTargetUnavailable
	}
	if err := t.Send(event); err != nil {
		return errors.Join(ErrTargetUnavailable, err)
	}
	return nil
}

// JoinRoom moves a connection into roomID. Members of the previous room are
// told it left; members of the new room are told it joined and the joiner
// receives the current member list.
func (r *Registry) JoinRoom(ctx context.Context, connectionID, roomID string) ([]domain.Connection, error) {
	const op = "service.registry.joinRoom"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
		slog.String("room_id", roomID),
	)

	if roomID == "" {
		return nil, errors.New("room id is required")
	}

	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrConnectionNotFound
	}
	prevRoom := e.conn.RoomID
	e.conn.RoomID = roomID
	conn := e.conn
	transport := e.transport
	others := r.othersLocked(connectionID)
	r.mu.Unlock()

	r.writeMirror(ctx, conn)

	if prevRoom != "" && prevRoom != roomID {
		r.broadcast(inRoom(others, prevRoom), domain.Event{
			Name: domain.EventUserLeft,
			Data: domain.RoomMemberData{UserID: conn.UserID, UserName: conn.DisplayName},
		})
	}

	members := inRoom(others, roomID)
	r.broadcast(members, domain.Event{
		Name: domain.EventUserJoined,
		Data: domain.RoomMemberData{UserID: conn.UserID, UserName: conn.DisplayName},
	})

	list := make([]domain.RoomMemberData, 0, len(members))
	out := make([]domain.Connection, 0, len(members))
	for _, m := range members {
		list = append(list, domain.RoomMemberData{UserID: m.conn.UserID, UserName: m.conn.DisplayName})
		out = append(out, m.conn)
	}
	r.send(transport, domain.Event{Name: domain.EventRoomUsers, Data: list})

	log.Info("joined room", "members", len(members))
	return out, nil
}

// RoomBroadcast sends event to the members of the sender's room.
func (r *Registry) RoomBroadcast(connectionID string, event domain.Event, includeSelf bool) error {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.RUnlock()
		return ErrConnectionNotFound
	}
	if !e.conn.InRoom() {
		r.mu.RUnlock()
		return ErrNotInRoom
	}
	targets := inRoom(r.othersLocked(connectionID), e.conn.RoomID)
	if includeSelf {
		targets = append(targets, *e)
	}
	r.mu.RUnlock()

	r.broadcast(targets, event)
	return nil
}

func (r *Registry) transport(connectionID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// othersLocked must be called with r.mu held.
func (r *Registry) othersLocked(exclude string) []entry {
	out := make([]entry, 0, len(r.conns))
	for id, e := range r.conns {
		if id == exclude {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func inRoom(entries []entry, roomID string) []entry {
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.conn.RoomID == roomID {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) broadcast(targets []entry, event domain.Event) {
	for _, t := range targets {
		r.send(t.transport, event)
	}
}

func (r *Registry) send(t Transport, event domain.Event) {
	if err := t.Send(event); err != nil {
		r.log.Debug("event dropped",
			slog.String("event", string(event.Name)),
			sl.Err(err),
		)
	}
}

// opContext detaches mirror I/O from the caller's cancellation so cleanup
// still runs during shutdown, but bounds it with the store timeout.
func (r *Registry) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
}

func (r *Registry) writeMirror(ctx context.Context, conn domain.Connection) {
	const op = "service.registry.writeMirror"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", conn.ConnectionID),
	)

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	record, err := json.Marshal(model.NewConnectionRecord(conn, r.instanceID))
	if err != nil {
		log.Error("encode connection record", sl.Err(err))
		return
	}
	if err := r.store.Set(ctx, model.ConnectionKey(conn.ConnectionID), record, r.ttl); err != nil {
		r.metrics.MirrorError("set")
		log.Warn("mirror write failed, continuing in memory", sl.Err(err))
		return
	}

	// Teardown removes the connection from memory before deleting its
	// mirror, so a write that lands after the removal is undone here.
	if !r.Has(conn.ConnectionID) {
		r.undoMirror(ctx, conn, log)
		return
	}
	if !r.ownsPresence(conn) {
		return
	}

	presence, err := json.Marshal(model.NewPresenceRecord(conn, r.instanceID))
	if err != nil {
		log.Error("encode presence record", sl.Err(err))
		return
	}
	if err := r.store.Set(ctx, model.OnlineKey(conn.UserID), presence, r.ttl); err != nil {
		r.metrics.MirrorError("set")
		log.Warn("presence write failed", sl.Err(err))
		return
	}

	if !r.ownsPresence(conn) {
		r.undoMirror(ctx, conn, log)
	}
}

// ownsPresence reports whether conn is still the live connection of its user.
func (r *Registry) ownsPresence(conn domain.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[conn.UserID] == conn.ConnectionID
}

// undoMirror removes what a late writeMirror put back for a connection that
// is no longer registered. The presence marker is only removed while it
// still names conn.
func (r *Registry) undoMirror(ctx context.Context, conn domain.Connection, log *slog.Logger) {
	if !r.Has(conn.ConnectionID) {
		if _, err := r.store.Delete(ctx, model.ConnectionKey(conn.ConnectionID)); err != nil {
			r.metrics.MirrorError("delete")
			log.Warn("stale mirror delete failed", sl.Err(err))
		}
	}
	removed, err := r.store.CompareAndDelete(ctx, model.OnlineKey(conn.UserID), conn.ConnectionID)
	if err != nil {
		r.metrics.MirrorError("compare_and_delete")
		log.Warn("stale presence delete failed", sl.Err(err))
	}
	log.Debug("mirror write raced with teardown, undone")

	// The late write may have replaced the marker of the user's new
	// connection.
	if removed {
		if successor, ok := r.LookupByUserID(conn.UserID); ok && successor.ConnectionID != conn.ConnectionID {
			r.writeMirror(ctx, successor)
		}
	}
}

func (r *Registry) deleteMirror(ctx context.Context, conn domain.Connection) {
	const op = "service.registry.deleteMirror"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", conn.ConnectionID),
	)

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	if _, err := r.store.Delete(ctx, model.ConnectionKey(conn.ConnectionID)); err != nil {
		r.metrics.MirrorError("delete")
		log.Warn("mirror delete failed", sl.Err(err))
	}
	if _, err := r.store.CompareAndDelete(ctx, model.OnlineKey(conn.UserID), conn.ConnectionID); err != nil {
		r.metrics.MirrorError("compare_and_delete")
		log.Warn("presence delete failed", sl.Err(err))
	}
}
