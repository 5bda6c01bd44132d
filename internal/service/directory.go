package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
	"github.com/immxrtalbeast/guest_signaling/internal/repository/model"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

// Directory lists online guests from the presence markers in the mirror
// store, so guests connected to other instances are included. When the
// store cannot be read it falls back to this instance's registry.
type Directory struct {
	store     repository.MirrorStore
	registry  *Registry
	opTimeout time.Duration
	log       *slog.Logger
}

func NewDirectory(store repository.MirrorStore, registry *Registry, opTimeout time.Duration, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Directory{
		store:     store,
		registry:  registry,
		opTimeout: opTimeout,
		log:       log,
	}
}

func (d *Directory) Online(ctx context.Context) []domain.Presence {
	const op = "service.directory.online"
	log := d.log.With(slog.String("op", op))

	out, err := d.fromStore(ctx)
	if err != nil {
		log.Warn("presence markers unavailable, using local registry", sl.Err(err))
		out = d.fromRegistry()
	}

	slices.SortFunc(out, func(a, b domain.Presence) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Search matches query case-insensitively against guest ids and names.
func (d *Directory) Search(ctx context.Context, query string) ([]domain.Presence, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, ErrEmptyQuery
	}

	out := make([]domain.Presence, 0)
	for _, p := range d.Online(ctx) {
		if strings.Contains(strings.ToLower(p.ID), query) || strings.Contains(strings.ToLower(p.Name), query) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *Directory) fromStore(ctx context.Context) ([]domain.Presence, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()

	keys, err := d.store.Scan(ctx, model.OnlineKeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Presence, 0, len(keys))
	for _, key := range keys {
		raw, err := d.store.Get(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec model.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			d.log.Debug("skipping unreadable presence marker", slog.String("key", key), sl.Err(err))
			continue
		}
		if rec.UserID == "" {
			rec.UserID, _ = model.UserIDFromOnlineKey(key)
		}
		if !rec.IsGuestMarker() {
			continue
		}
		out = append(out, rec.ToDomain())
	}
	return out, nil
}

func (d *Directory) fromRegistry() []domain.Presence {
	conns := d.registry.ListAll()
	out := make([]domain.Presence, 0, len(conns))
	for _, c := range conns {
		out = append(out, model.NewPresenceRecord(c, d.registry.InstanceID()).ToDomain())
	}
	return out
}
