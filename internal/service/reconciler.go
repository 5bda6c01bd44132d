package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/metrics"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
	"github.com/immxrtalbeast/guest_signaling/internal/repository/model"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

type ReconcilerOptions struct {
	Interval       time.Duration
	GuestRetention time.Duration
	PeerTimeout    time.Duration
	OpTimeout      time.Duration
	Now            func() time.Time
	Metrics        *metrics.Metrics
}

type ReconcileStats struct {
	Total          int
	Responsive     int
	Unresponsive   int
	OrphansRemoved int
	Evicted        int
	PeerRemoved    int
	PeerFailures   int
}

type PurgeResult struct {
	MirrorKeys   int
	PeerRemoved  int
	PeerFailures int
}

// Reconciler aligns the registry, the mirror store and peer services on its
// own schedule, independent of per-connection timers.
type Reconciler struct {
	registry *Registry
	store    repository.MirrorStore
	peers    []PeerCleanupClient
	opts     ReconcilerOptions
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(registry *Registry, store repository.MirrorStore, peers []PeerCleanupClient, opts ReconcilerOptions, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 5 * time.Second
	}
	return &Reconciler{
		registry: registry,
		store:    store,
		peers:    peers,
		opts:     opts,
		metrics:  opts.Metrics,
		log:      log,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()

	r.log.Info("reconciler started",
		"interval", r.opts.Interval,
		"guest_retention", r.opts.GuestRetention,
		"peers", len(r.peers),
	)
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.log.Info("reconciler stopped")
}

// RunOnce performs one full sweep. Nothing in it fails the sweep; store
// and peer errors are logged and the remaining steps still run.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileStats {
	const op = "service.reconciler.run"
	log := r.log.With(slog.String("op", op))

	var stats ReconcileStats
	stats.OrphansRemoved = r.sweepOrphans(ctx)
	stats.Evicted = r.sweepDisconnected(ctx)
	stats.PeerRemoved, stats.PeerFailures = r.cleanupPeers(ctx, func(ctx context.Context, p PeerCleanupClient) (int, error) {
		return p.CleanupBefore(ctx, r.opts.Now().Add(-r.opts.GuestRetention))
	})

	for _, c := range r.registry.ListAll() {
		stats.Total++
		if c.IsResponsive {
			stats.Responsive++
		} else {
			stats.Unresponsive++
		}
	}
	r.metrics.SetConnections(stats.Responsive, stats.Unresponsive)

	log.Info("reconcile finished",
		"total", stats.Total,
		"responsive", stats.Responsive,
		"unresponsive", stats.Unresponsive,
		"orphans_removed", stats.OrphansRemoved,
		"evicted", stats.Evicted,
		"peer_removed", stats.PeerRemoved,
		"peer_failures", stats.PeerFailures,
	)
	return stats
}

// PurgeOnStartup unconditionally removes every connection record and every
// guest presence marker, then asks each peer to drop all guest records. It
// must run before any connection is accepted. The error reports only a
// failure to list the mirror store.
func (r *Reconciler) PurgeOnStartup(ctx context.Context) (PurgeResult, error) {
	const op = "service.reconciler.purge"
	log := r.log.With(slog.String("op", op))

	var res PurgeResult

	keys, err := r.scan(ctx, model.ConnectionKeyPrefix)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.MirrorKeys += r.deleteKeys(ctx, keys)

	markers, err := r.scan(ctx, model.OnlineKeyPrefix)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	guests := make([]string, 0, len(markers))
	for _, key := range markers {
		userID, _ := model.UserIDFromOnlineKey(key)
		if model.IsGuestUserID(userID) {
			guests = append(guests, key)
			continue
		}
		rec, err := r.readPresence(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil || rec.IsGuestMarker() {
			guests = append(guests, key)
		}
	}
	res.MirrorKeys += r.deleteKeys(ctx, guests)

	res.PeerRemoved, res.PeerFailures = r.cleanupPeers(ctx, func(ctx context.Context, p PeerCleanupClient) (int, error) {
		return p.CleanupAll(ctx)
	})

	log.Info("startup purge finished",
		"mirror_keys", res.MirrorKeys,
		"peer_removed", res.PeerRemoved,
		"peer_failures", res.PeerFailures,
	)
	return res, nil
}

// sweepOrphans deletes mirrored connections and presence markers that have
// no live connection behind them. Records owned by another instance are
// left to expire on their own.
func (r *Reconciler) sweepOrphans(ctx context.Context) int {
	const op = "service.reconciler.sweepOrphans"
	log := r.log.With(slog.String("op", op))

	removed := 0

	keys, err := r.scan(ctx, model.ConnectionKeyPrefix)
	if err != nil {
		log.Warn("cannot list connection records", sl.Err(err))
		return 0
	}
	for _, key := range keys {
		id, ok := model.ConnectionIDFromKey(key)
		if !ok || r.registry.Has(id) {
			continue
		}

		var rec model.ConnectionRecord
		raw, err := r.get(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn("cannot read connection record", slog.String("key", key), sl.Err(err))
			continue
		}
		readable := json.Unmarshal(raw, &rec) == nil
		if readable && !r.ownedHere(rec.InstanceID) {
			continue
		}

		removed += r.deleteKeys(ctx, []string{key})
		if readable && rec.UserID != "" {
			r.compareAndDelete(ctx, model.OnlineKey(rec.UserID), id)
		}
		log.Info("removed orphaned connection record", slog.String("connection_id", id))
	}

	markers, err := r.scan(ctx, model.OnlineKeyPrefix)
	if err != nil {
		log.Warn("cannot list presence markers", sl.Err(err))
		return removed
	}
	for _, key := range markers {
		rec, err := r.readPresence(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				removed += r.deleteKeys(ctx, []string{key})
			}
			continue
		}
		if !r.ownedHere(rec.InstanceID) || r.registry.Has(rec.ConnectionID) {
			continue
		}
		if r.compareAndDelete(ctx, key, rec.ConnectionID) {
			removed++
		}
	}

	return removed
}

// sweepDisconnected tears down registered connections whose transport is
// gone.
func (r *Reconciler) sweepDisconnected(ctx context.Context) int {
	evicted := 0
	for _, c := range r.registry.ListAll() {
		if r.registry.IsConnected(c.ConnectionID) {
			continue
		}
		r.registry.Teardown(ctx, c.ConnectionID, domain.ReasonSyncCleanup)
		evicted++
	}
	return evicted
}

// cleanupPeers calls fn on every peer concurrently. Failures are counted
// and logged, never returned.
func (r *Reconciler) cleanupPeers(ctx context.Context, fn func(context.Context, PeerCleanupClient) (int, error)) (removed, failures int) {
	if len(r.peers) == 0 {
		return 0, 0
	}

	var total, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.peers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.opts.PeerTimeout)
			defer cancel()

			n, err := fn(pctx, p)
			r.metrics.PeerCleanupOutcome(p.Name(), err)
			if err != nil {
				failed.Add(1)
				r.log.Warn("peer cleanup failed",
					slog.String("peer", p.Name()),
					sl.Err(err),
				)
				return nil
			}
			total.Add(int64(n))
			r.log.Info("peer cleanup done",
				slog.String("peer", p.Name()),
				slog.Int("removed", n),
			)
			return nil
		})
	}
	_ = g.Wait()

	return int(total.Load()), int(failed.Load())
}

func (r *Reconciler) ownedHere(instanceID string) bool {
	return instanceID == "" || instanceID == r.registry.InstanceID()
}

func (r *Reconciler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.OpTimeout)
}

func (r *Reconciler) scan(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	keys, err := r.store.Scan(ctx, prefix)
	if err != nil {
		r.metrics.MirrorError("scan")
	}
	return keys, err
}

func (r *Reconciler) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	raw, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.metrics.MirrorError("get")
	}
	return raw, err
}

func (r *Reconciler) readPresence(ctx context.Context, key string) (model.PresenceRecord, error) {
	var rec model.PresenceRecord
	raw, err := r.get(ctx, key)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r *Reconciler) deleteKeys(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.store.Delete(ctx, keys...)
	if err != nil {
		r.metrics.MirrorError("delete")
		r.log.Warn("mirror delete failed", slog.Int("keys", len(keys)), sl.Err(err))
	}
	return n
}

func (r *Reconciler) compareAndDelete(ctx context.Context, key, connectionID string) bool {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	ok, err := r.store.CompareAndDelete(ctx, key, connectionID)
	if err != nil {
		r.metrics.MirrorError("compare_and_delete")
		r.log.Warn("presence delete failed", slog.String("key", key), sl.Err(err))
	}
	return ok
}
