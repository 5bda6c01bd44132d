package model

import (
	"strings"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
)

const (
	ConnectionKeyPrefix = "connection:"
	OnlineKeyPrefix     = "online:"

	guestUserPrefix = "guest_"
	statusOnline    = "online"
)

func ConnectionKey(connectionID string) string {
	return ConnectionKeyPrefix + connectionID
}

func OnlineKey(userID string) string {
	return OnlineKeyPrefix + userID
}

// ConnectionIDFromKey strips the connection namespace from a mirror key.
func ConnectionIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, ConnectionKeyPrefix)
	return id, ok && id != ""
}

func UserIDFromOnlineKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, OnlineKeyPrefix)
	return id, ok && id != ""
}

// IsGuestUserID matches the id scheme guests are issued with.
func IsGuestUserID(userID string) bool {
	return strings.HasPrefix(userID, guestUserPrefix)
}

// ConnectionRecord is the mirrored form of a live connection. It carries
// the owning connection and instance so stale copies can be removed
// without coordination.
type ConnectionRecord struct {
	ConnectionID     string    `json:"connectionId"`
	InstanceID       string    `json:"instanceId"`
	UserID           string    `json:"userId"`
	Name             string    `json:"name"`
	RoomID           string    `json:"roomId,omitempty"`
	Status           string    `json:"status"`
	IsGuest          bool      `json:"isGuest"`
	IsResponsive     bool      `json:"isResponsive"`
	MissedPings      int       `json:"missedPings"`
	JoinedAt         time.Time `json:"joinedAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	LastPing         time.Time `json:"lastPing"`
	LastPongReceived time.Time `json:"lastPongReceived"`
	IPAddress        string    `json:"ipAddress,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
}

func NewConnectionRecord(c domain.Connection, instanceID string) ConnectionRecord {
	return ConnectionRecord{
		ConnectionID:     c.ConnectionID,
		InstanceID:       instanceID,
		UserID:           c.UserID,
		Name:             c.DisplayName,
		RoomID:           c.RoomID,
		Status:           statusOnline,
		IsGuest:          true,
		IsResponsive:     c.IsResponsive,
		MissedPings:      c.MissedPingCount,
		JoinedAt:         c.JoinedAt.UTC(),
		LastHeartbeat:    c.LastHeartbeat.UTC(),
		LastPing:         c.LastPingSentAt.UTC(),
		LastPongReceived: c.LastPongReceivedAt.UTC(),
		IPAddress:        c.Metadata.RemoteAddr,
		UserAgent:        c.Metadata.UserAgent,
	}
}

// PresenceRecord is the "online" marker other services read for directory
// listings.
type PresenceRecord struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"connectionId"`
	InstanceID   string    `json:"instanceId"`
	IsGuest      bool      `json:"isGuest"`
	Status       string    `json:"status"`
	Since        time.Time `json:"since"`
}

func NewPresenceRecord(c domain.Connection, instanceID string) PresenceRecord {
	return PresenceRecord{
		UserID:       c.UserID,
		Name:         c.DisplayName,
		ConnectionID: c.ConnectionID,
		InstanceID:   instanceID,
		IsGuest:      true,
		Status:       statusOnline,
		Since:        c.JoinedAt.UTC(),
	}
}

func (p PresenceRecord) ToDomain() domain.Presence {
	name := p.Name
	if name == "" {
		name = p.UserID
	}
	return domain.Presence{
		ID:      p.UserID,
		Name:    name,
		Status:  p.Status,
		IsGuest: p.IsGuest,
		Since:   p.Since,
	}
}

// IsGuestMarker reports whether a presence marker belongs to a guest.
func (p PresenceRecord) IsGuestMarker() bool {
	return p.IsGuest || IsGuestUserID(p.UserID)
}
