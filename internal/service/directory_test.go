package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/repository/model"
)

func TestDirectoryListsGuestsAcrossInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect(t, "c1", "guest_1", "Alice")
	f.clock.Advance(time.Second)
	putJSON(t, f.store, model.OnlineKey("guest_9"), model.PresenceRecord{
		UserID: "guest_9", Name: "Remote Rita", ConnectionID: "r9", InstanceID: "instance-b",
		IsGuest: true, Status: "online", Since: f.clock.Now(),
	})
	putJSON(t, f.store, model.OnlineKey("member-1"), model.PresenceRecord{UserID: "member-1", Name: "Staff"})

	dir := NewDirectory(f.store, f.registry, time.Second, discardLogger())
	got := dir.Online(ctx)

	require.Len(t, got, 2)
	assert.Equal(t, "guest_1", got[0].ID)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, "guest_9", got[1].ID)
}

func TestDirectorySearch(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", "guest_1", "Alice")
	f.connect(t, "c2", "guest_2", "Bob")
	dir := NewDirectory(f.store, f.registry, time.Second, discardLogger())

	got, err := dir.Search(context.Background(), "  ALI ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "guest_1", got[0].ID)

	got, err = dir.Search(context.Background(), "guest_")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = dir.Search(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestDirectoryFallsBackToRegistry(t *testing.T) {
	registry := NewRegistry(failingStore{}, RegistryOptions{InstanceID: testInstance}, discardLogger())
	_, err := registry.Register(context.Background(), RegisterRequest{
		ConnectionID: "c1", UserID: "guest_1", DisplayName: "Alice", Transport: newRecordingTransport(),
	})
	require.NoError(t, err)

	dir := NewDirectory(failingStore{}, registry, time.Second, discardLogger())
	got := dir.Online(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, domain.Presence{ID: "guest_1", Name: "Alice", Status: "online", IsGuest: true, Since: got[0].Since}, got[0])
}
