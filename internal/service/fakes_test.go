package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
)

var errSendFailed = errors.New("send failed")

// recordingTransport captures every event sent to it.
type recordingTransport struct {
	mu        sync.Mutex
	events    []domain.Event
	connected bool
	closed    bool
	failSend  bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{connected: true}
}

func (t *recordingTransport) Send(event domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errSendFailed
	}
	t.events = append(t.events, event)
	return nil
}

func (t *recordingTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.connected = false
	return nil
}

func (t *recordingTransport) disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

func (t *recordingTransport) setFailSend(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSend = fail
}

func (t *recordingTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *recordingTransport) named(name domain.EventName) []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Event
	for _, e := range t.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (t *recordingTransport) all() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Event(nil), t.events...)
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// failingStore fails every operation with ErrStoreUnavailable.
type failingStore struct{}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("set: %w", repository.ErrStoreUnavailable)
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("get: %w", repository.ErrStoreUnavailable)
}

func (failingStore) Delete(context.Context, ...string) (int, error) {
	return 0, fmt.Errorf("delete: %w", repository.ErrStoreUnavailable)
}

func (failingStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, fmt.Errorf("compare and delete: %w", repository.ErrStoreUnavailable)
}

func (failingStore) Scan(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("scan: %w", repository.ErrStoreUnavailable)
}

func (failingStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", repository.ErrStoreUnavailable)
}

func (failingStore) Close() error { return nil }

// stubPeer records cleanup calls.
type stubPeer struct {
	name string
	n    int
	err  error

	mu     sync.Mutex
	all    int
	before []time.Time
}

func (p *stubPeer) Name() string { return p.name }

func (p *stubPeer) CleanupAll(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all++
	return p.n, p.err
}

func (p *stubPeer) CleanupBefore(_ context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, before)
	return p.n, p.err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

const testInstance = "instance-a"

// clockedStore records the expiry of every write against the fake clock.
type clockedStore struct {
	*repository.InMemoryMirrorStore
	clock *fakeClock

	mu      sync.Mutex
	expires map[string]time.Time
}

func newClockedStore(clock *fakeClock) *clockedStore {
	return &clockedStore{
		InMemoryMirrorStore: repository.NewInMemoryMirrorStore(),
		clock:               clock,
		expires:             make(map[string]time.Time),
	}
}

func (s *clockedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.InMemoryMirrorStore.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.expires[key] = s.clock.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

// TTL reports the remaining lifetime of a live key as seen by the fake clock.
func (s *clockedStore) TTL(key string) (time.Duration, bool) {
	if _, err := s.Get(context.Background(), key); err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[key]
	if !ok {
		return 0, true
	}
	return exp.Sub(s.clock.Now()), true
}

type fixture struct {
	clock    *fakeClock
	store    *clockedStore
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	store := newClockedStore(clock)
	registry := NewRegistry(store, RegistryOptions{
		InstanceID: testInstance,
		MirrorTTL:  3 * time.Minute,
		Now:        clock.Now,
	}, discardLogger())
	return &fixture{clock: clock, store: store, registry: registry}
}

func (f *fixture) connect(t *testing.T, connID, userID, name string) *recordingTransport {
	t.Helper()
	tr := newRecordingTransport()
	_, err := f.registry.Register(context.Background(), RegisterRequest{
		ConnectionID: connID,
		UserID:       userID,
		DisplayName:  name,
		Transport:    tr,
	})
	require.NoError(t, err)
	return tr
}

func decodeData[T any](t *testing.T, event domain.Event) T {
	t.Helper()
	raw, err := json.Marshal(event.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// gatedStore parks the first Set on a key with the given prefix until
// release is called.
type gatedStore struct {
	repository.MirrorStore
	prefix  string
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore(inner repository.MirrorStore, prefix string) *gatedStore {
	return &gatedStore{
		MirrorStore: inner,
		prefix:      prefix,
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
}

func (s *gatedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, s.prefix) {
		parked := false
		s.once.Do(func() { parked = true })
		if parked {
			close(s.entered)
			<-s.gate
		}
	}
	return s.MirrorStore.Set(ctx, key, value, ttl)
}

func (s *gatedStore) release() {
	close(s.gate)
}
