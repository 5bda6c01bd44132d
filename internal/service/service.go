package service

import (
	"context"
	"errors"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
)

var (
	ErrConflict           = errors.New("connection already registered")
	ErrTargetUnavailable  = errors.New("target unavailable")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidInvite      = errors.New("invalid invite")
	ErrNotInRoom          = errors.New("not in a room")
	ErrUnsupportedEvent   = errors.New("unsupported event")
	ErrEmptyQuery         = errors.New("search query is required")
)

// Transport is the outbound half of a client's real-time channel.
type Transport interface {
	Send(event domain.Event) error
	// Connected turns false once the underlying channel is gone.
	Connected() bool
	Close() error
}

// PeerCleanupClient purges durable guest records held by another service.
// Callers log failures and move on.
type PeerCleanupClient interface {
	Name() string
	CleanupAll(ctx context.Context) (int, error)
	CleanupBefore(ctx context.Context, before time.Time) (int, error)
}

// SignalingInteractor is what the WebSocket controller drives.
type SignalingInteractor interface {
	Connect(ctx context.Context, req RegisterRequest) (domain.Connection, error)
	HandleFrame(ctx context.Context, connectionID string, frame domain.Frame) error
	Disconnect(ctx context.Context, connectionID string, reason domain.TeardownReason)
}

type DirectoryInteractor interface {
	Online(ctx context.Context) []domain.Presence
	Search(ctx context.Context, query string) ([]domain.Presence, error)
}

type InviteInteractor interface {
	Send(fromID, fromName, toUserID string, callType domain.CallType) (domain.Invite, error)
	Drain(userID string) []domain.Invite
}
