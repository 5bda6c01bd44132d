package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/repository"
	"github.com/immxrtalbeast/guest_signaling/internal/repository/model"
)

func TestRegisterCreatesResponsiveConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := newRecordingTransport()
	conn, err := f.registry.Register(ctx, RegisterRequest{
		ConnectionID: "c1",
		UserID:       "guest_1",
		DisplayName:  "Alice",
		Metadata:     domain.TransportMetadata{RemoteAddr: "10.0.0.1"},
		Transport:    tr,
	})
	require.NoError(t, err)
	assert.Equal(t, "guest_1", conn.UserID)

	got, ok := f.registry.LookupByConnectionID("c1")
	require.True(t, ok)
	assert.Equal(t, 0, got.MissedPingCount)
	assert.True(t, got.IsResponsive)
	assert.Equal(t, f.clock.Now(), got.JoinedAt)
	assert.Equal(t, domain.HealthFresh, got.State(3))

	byUser, ok := f.registry.LookupByUserID("guest_1")
	require.True(t, ok)
	assert.Equal(t, "c1", byUser.ConnectionID)

	registered := tr.named(domain.EventGuestRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, "c1", decodeData[domain.GuestRegisteredData](t, registered[0]).ConnectionID)
}

func TestRegisterMirrorsConnectionAndPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "guest_1", "Alice")

	raw, err := f.store.Get(ctx, model.ConnectionKey("c1"))
	require.NoError(t, err)
	var rec model.ConnectionRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "c1", rec.ConnectionID)
	assert.Equal(t, testInstance, rec.InstanceID)
	assert.Equal(t, "Alice", rec.Name)

	ttl, ok := f.store.TTL(model.ConnectionKey("c1"))
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, ttl)

	raw, err = f.store.Get(ctx, model.OnlineKey("guest_1"))
	require.NoError(t, err)
	var presence model.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &presence))
	assert.Equal(t, "c1", presence.ConnectionID)
	assert.True(t, presence.IsGuest)
}

func TestRegisterDuplicateConnectionIDConflicts(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "guest_1", "Alice")

	_, err := f.registry.Register(context.Background(), RegisterRequest{
		ConnectionID: "c1",
		UserID:       "guest_2",
		Transport:    newRecordingTransport(),
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.registry.Count())
}

func TestRegisterRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Register(context.Background(), RegisterRequest{ConnectionID: "c1", Transport: newRecordingTransport()})
	assert.Error(t, err)

	_, err = f.registry.Register(context.Background(), RegisterRequest{ConnectionID: "c1", UserID: "u"})
	assert.Error(t, err)
}

func TestRegisterSupersedesSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	observer := f.connect(t, "obs", "guest_obs", "Obs")
	first := f.connect(t, "c1", "guest_1", "Alice")
	observer.reset()

	f.connect(t, "c2", "guest_1", "Alice again")

	_, ok := f.registry.LookupByConnectionID("c1")
	assert.False(t, ok)
	assert.True(t, first.isClosed())

	got, ok := f.registry.LookupByUserID("guest_1")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ConnectionID)
	assert.Equal(t, 2, f.registry.Count())

	_, err := f.store.Get(ctx, model.ConnectionKey("c1"))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	raw, err := f.store.Get(ctx, model.OnlineKey("guest_1"))
	require.NoError(t, err)
	var presence model.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &presence))
	assert.Equal(t, "c2", presence.ConnectionID)

	// The observer saw the old connection leave before the new one joined.
	events := observer.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventGuestLeft, events[0].Name)
	assert.Equal(t, domain.ReasonSuperseded, decodeData[domain.GuestLeftData](t, events[0]).Reason)
	assert.Equal(t, domain.EventGuestJoined, events[1].Name)
}

func TestRegisterAnnouncesPresence(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "c1", "guest_1", "Alice")
	bob := f.connect(t, "c2", "guest_2", "Bob")

	joined := alice.named(domain.EventGuestJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.GuestJoinedData{UserID: "guest_2", Name: "Bob"}, decodeData[domain.GuestJoinedData](t, joined[0]))

	existing := bob.named(domain.EventGuestJoined)
	require.Len(t, existing, 1)
	assert.Equal(t, "guest_1", decodeData[domain.GuestJoinedData](t, existing[0]).UserID)
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.connect(t, "c0", "guest_0", "Zed")
	f.connect(t, "c1", "guest_1", "Alice")
	other.reset()

	f.registry.Teardown(ctx, "c1", domain.ReasonClientDisconnect)
	afterFirst := f.registry.ListAll()
	keysAfterFirst, err := f.store.Scan(ctx, "")
	require.NoError(t, err)
	eventsAfterFirst := len(other.all())

	f.registry.Teardown(ctx, "c1", domain.ReasonClientDisconnect)
	keysAfterSecond, err := f.store.Scan(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, afterFirst, f.registry.ListAll())
	assert.Equal(t, keysAfterFirst, keysAfterSecond)
	assert.Equal(t, eventsAfterFirst, len(other.all()))
	assert.Equal(t, 1, eventsAfterFirst)

	left := other.named(domain.EventGuestLeft)
	require.Len(t, left, 1)
	assert.Equal(t, domain.GuestLeftData{UserID: "guest_1", Reason: domain.ReasonClientDisconnect}, decodeData[domain.GuestLeftData](t, left[0]))
}

func TestConcurrentTeardownRunsOnce(t *testing.T) {
	f := newFixture(t)
	other := f.connect(t, "c0", "guest_0", "Zed")
	f.connect(t, "c1", "guest_1", "Alice")
	other.reset()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.registry.Teardown(context.Background(), "c1", domain.ReasonPingTimeout)
		}()
	}
	wg.Wait()

	assert.Len(t, other.named(domain.EventGuestLeft), 1)
	assert.False(t, f.registry.Has("c1"))
}

func TestTeardownToleratesStoreFailure(t *testing.T) {
	logger, logs := bufferLogger()
	registry := NewRegistry(failingStore{}, RegistryOptions{InstanceID: testInstance, MirrorTTL: time.Minute}, logger)
	ctx := context.Background()

	other := newRecordingTransport()
	_, err := registry.Register(ctx, RegisterRequest{ConnectionID: "c0", UserID: "guest_0", Transport: other})
	require.NoError(t, err)
	_, err = registry.Register(ctx, RegisterRequest{ConnectionID: "c1", UserID: "guest_1", Transport: newRecordingTransport()})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		registry.Teardown(ctx, "c1", domain.ReasonClientDisconnect)
	})
	assert.False(t, registry.Has("c1"))
	assert.Len(t, other.named(domain.EventGuestLeft), 1)
	assert.Contains(t, logs.String(), "mirror delete failed")
	assert.Contains(t, logs.String(), "presence delete failed")
}

func TestRegisterWithUnreachableStore(t *testing.T) {
	logger, logs := bufferLogger()
	registry := NewRegistry(failingStore{}, RegistryOptions{InstanceID: testInstance, MirrorTTL: time.Minute}, logger)

	_, err := registry.Register(context.Background(), RegisterRequest{
		ConnectionID: "c1",
		UserID:       "guest_1",
		Transport:    newRecordingTransport(),
	})
	require.NoError(t, err)

	got, ok := registry.LookupByConnectionID("c1")
	require.True(t, ok)
	assert.Equal(t, "guest_1", got.UserID)
	assert.Contains(t, logs.String(), "mirror write failed")
	assert.Contains(t, logs.String(), repository.ErrStoreUnavailable.Error())
}

func TestTeardownDoesNotRemoveNewerPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c1", "guest_1", "Alice")

	// Another instance took over the marker in the meantime.
	presence, err := json.Marshal(model.PresenceRecord{UserID: "guest_1", ConnectionID: "elsewhere", IsGuest: true})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, model.OnlineKey("guest_1"), presence, time.Minute))

	f.registry.Teardown(ctx, "c1", domain.ReasonClientDisconnect)

	_, err = f.store.Get(ctx, model.OnlineKey("guest_1"))
	assert.NoError(t, err)
}

func TestSnapshotsAreDetached(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "guest_1", "Alice")

	snap, ok := f.registry.LookupByConnectionID("c1")
	require.True(t, ok)
	snap.MissedPingCount = 99

	got, _ := f.registry.LookupByConnectionID("c1")
	assert.Equal(t, 0, got.MissedPingCount)
}

func TestJoinRoomNotifiesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "c1", "guest_1", "Alice")
	bob := f.connect(t, "c2", "guest_2", "Bob")
	carol := f.connect(t, "c3", "guest_3", "Carol")

	_, err := f.registry.JoinRoom(ctx, "c1", "room-1")
	require.NoError(t, err)
	members, err := f.registry.JoinRoom(ctx, "c2", "room-1")
	require.NoError(t, err)

	require.Len(t, members, 1)
	assert.Equal(t, "guest_1", members[0].UserID)

	joined := alice.named(domain.EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.RoomMemberData{UserID: "guest_2", UserName: "Bob"}, decodeData[domain.RoomMemberData](t, joined[0]))

	roomUsers := bob.named(domain.EventRoomUsers)
	require.Len(t, roomUsers, 1)
	assert.Equal(t, []domain.RoomMemberData{{UserID: "guest_1", UserName: "Alice"}}, decodeData[[]domain.RoomMemberData](t, roomUsers[0]))

	assert.Empty(t, carol.named(domain.EventUserJoined))

	raw, err := f.store.Get(ctx, model.ConnectionKey("c2"))
	require.NoError(t, err)
	var rec model.ConnectionRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "room-1", rec.RoomID)

	f.registry.Teardown(ctx, "c2", domain.ReasonClientDisconnect)
	left := alice.named(domain.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "guest_2", decodeData[domain.RoomMemberData](t, left[0]).UserID)
	assert.Empty(t, carol.named(domain.EventUserLeft))
}

func TestRoomBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "c1", "guest_1", "Alice")
	bob := f.connect(t, "c2", "guest_2", "Bob")
	_, err := f.registry.JoinRoom(ctx, "c1", "r")
	require.NoError(t, err)

	err = f.registry.RoomBroadcast("c2", domain.Event{Name: domain.EventChatMessage}, true)
	assert.ErrorIs(t, err, ErrNotInRoom)

	_, err = f.registry.JoinRoom(ctx, "c2", "r")
	require.NoError(t, err)

	require.NoError(t, f.registry.RoomBroadcast("c2", domain.Event{Name: domain.EventChatMessage}, true))
	assert.Len(t, alice.named(domain.EventChatMessage), 1)
	assert.Len(t, bob.named(domain.EventChatMessage), 1)

	require.NoError(t, f.registry.RoomBroadcast("c2", domain.Event{Name: domain.EventUserAudioToggle}, false))
	assert.Len(t, alice.named(domain.EventUserAudioToggle), 1)
	assert.Empty(t, bob.named(domain.EventUserAudioToggle))

	assert.ErrorIs(t, f.registry.RoomBroadcast("missing", domain.Event{}, false), ErrConnectionNotFound)
}

func TestSendToUser(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "c1", "guest_1", "Alice")

	require.NoError(t, f.registry.SendToUser("guest_1", domain.Event{Name: domain.EventPing}))
	assert.Len(t, tr.named(domain.EventPing), 1)

	assert.ErrorIs(t, f.registry.SendToUser("nobody", domain.Event{Name: domain.EventPing}), ErrTargetUnavailable)

	tr.disconnect()
	assert.ErrorIs(t, f.registry.SendToUser("guest_1", domain.Event{Name: domain.EventPing}), ErrTargetUnavailable)
}

func TestTeardownDuringMirrorWriteLeavesNoRecord(t *testing.T) {
	for _, prefix := range []string{model.ConnectionKeyPrefix, model.OnlineKeyPrefix} {
		t.Run(prefix, func(t *testing.T) {
			ctx := context.Background()
			inner := repository.NewInMemoryMirrorStore()
			store := newGatedStore(inner, prefix)
			registry := NewRegistry(store, RegistryOptions{InstanceID: testInstance, MirrorTTL: time.Minute}, discardLogger())

			done := make(chan error, 1)
			go func() {
				_, err := registry.Register(ctx, RegisterRequest{
					ConnectionID: "c1",
					UserID:       "guest_1",
					DisplayName:  "Alice",
					Transport:    newRecordingTransport(),
				})
				done <- err
			}()

			<-store.entered
			registry.Teardown(ctx, "c1", domain.ReasonClientDisconnect)
			store.release()
			require.NoError(t, <-done)

			assert.False(t, registry.Has("c1"))
			_, err := inner.Get(ctx, model.ConnectionKey("c1"))
			assert.ErrorIs(t, err, repository.ErrNotFound)
			_, err = inner.Get(ctx, model.OnlineKey("guest_1"))
			assert.ErrorIs(t, err, repository.ErrNotFound)
		})
	}
}

func TestLateMirrorWriteKeepsSuccessorPresence(t *testing.T) {
	ctx := context.Background()
	inner := repository.NewInMemoryMirrorStore()
	store := newGatedStore(inner, model.OnlineKeyPrefix)
	registry := NewRegistry(store, RegistryOptions{InstanceID: testInstance, MirrorTTL: time.Minute}, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := registry.Register(ctx, RegisterRequest{ConnectionID: "c1", UserID: "guest_1", Transport: newRecordingTransport()})
		done <- err
	}()
	<-store.entered

	// The parked write for c1 resumes after c2 has superseded it.
	_, err := registry.Register(ctx, RegisterRequest{ConnectionID: "c2", UserID: "guest_1", Transport: newRecordingTransport()})
	require.NoError(t, err)
	store.release()
	require.NoError(t, <-done)

	_, err = inner.Get(ctx, model.ConnectionKey("c1"))
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = inner.Get(ctx, model.ConnectionKey("c2"))
	assert.NoError(t, err)

	raw, err := inner.Get(ctx, model.OnlineKey("guest_1"))
	require.NoError(t, err)
	var presence model.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &presence))
	assert.Equal(t, "c2", presence.ConnectionID)
}
