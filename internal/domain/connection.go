package domain

import "time"

// TeardownReason explains why a connection left the registry.
type TeardownReason string

const (
	ReasonClientDisconnect   TeardownReason = "client_disconnect"
	ReasonTransportClosed    TeardownReason = "transport_closed"
	ReasonSocketDisconnected TeardownReason = "socket_disconnected"
	ReasonPingTimeout        TeardownReason = "ping_timeout"
	ReasonHeartbeatTimeout   TeardownReason = "heartbeat_timeout"
	ReasonSyncCleanup        TeardownReason = "sync_cleanup"
	ReasonSuperseded         TeardownReason = "superseded"
	ReasonShutdown           TeardownReason = "shutdown"
)

// HealthState is the liveness state of a connection as seen by the
// heartbeat engine.
type HealthState string

const (
	HealthFresh      HealthState = "fresh"
	HealthResponsive HealthState = "responsive"
	HealthSuspect    HealthState = "suspect"
	HealthDead       HealthState = "dead"
)

// TransportMetadata is what the transport knows about the client at
// connect time.
type TransportMetadata struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// Connection is one live client session. Values handed out by the registry
// are snapshots; mutating them has no effect on registry state.
type Connection struct {
	ConnectionID       string            `json:"connectionId"`
	UserID             string            `json:"userId"`
	DisplayName        string            `json:"displayName"`
	RoomID             string            `json:"roomId,omitempty"`
	JoinedAt           time.Time         `json:"joinedAt"`
	LastHeartbeat      time.Time         `json:"lastHeartbeat"`
	LastPingSentAt     time.Time         `json:"lastPingSentAt"`
	LastPongReceivedAt time.Time         `json:"lastPongReceivedAt"`
	MissedPingCount    int               `json:"missedPingCount"`
	IsResponsive       bool              `json:"isResponsive"`
	Metadata           TransportMetadata `json:"metadata"`
}

func NewConnection(connectionID, userID, displayName string, meta TransportMetadata, now time.Time) Connection {
	if displayName == "" {
		displayName = userID
	}
	return Connection{
		ConnectionID:  connectionID,
		UserID:        userID,
		DisplayName:   displayName,
		JoinedAt:      now,
		LastHeartbeat: now,
		IsResponsive:  true,
		Metadata:      meta,
	}
}

// State derives the heartbeat state from the miss counter.
func (c Connection) State(maxMissedPings int) HealthState {
	switch {
	case c.MissedPingCount >= maxMissedPings:
		return HealthDead
	case c.MissedPingCount > 0:
		return HealthSuspect
	case c.LastPongReceivedAt.IsZero() && c.LastHeartbeat.Equal(c.JoinedAt):
		return HealthFresh
	default:
		return HealthResponsive
	}
}

// InRoom reports whether the connection joined a group room.
func (c Connection) InRoom() bool {
	return c.RoomID != ""
}
