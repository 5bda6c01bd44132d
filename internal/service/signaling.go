package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

const maxChatMessageLength = 4000

type joinRoomData struct {
	RoomID string `json:"roomId"`
}

type callUserData struct {
	TargetUserID string          `json:"targetUserId"`
	CallType     domain.CallType `json:"callType"`
	CallID       string          `json:"callId"`
}

type sendInviteData struct {
	ToUserID string          `json:"toUserId"`
	CallType domain.CallType `json:"callType"`
}

type sendMessageData struct {
	Message string `json:"message"`
}

type toggleData struct {
	IsEnabled bool `json:"isEnabled"`
}

// SignalingService dispatches inbound client frames to the registry,
// heartbeat engine, relay and mailbox.
type SignalingService struct {
	registry  *Registry
	heartbeat *HeartbeatEngine
	relay     *Relay
	mailbox   *Mailbox
	now       func() time.Time
	log       *slog.Logger
}

func NewSignalingService(registry *Registry, heartbeat *HeartbeatEngine, relay *Relay, mailbox *Mailbox, log *slog.Logger) *SignalingService {
	if log == nil {
		log = slog.Default()
	}
	return &SignalingService{
		registry:  registry,
		heartbeat: heartbeat,
		relay:     relay,
		mailbox:   mailbox,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

func (s *SignalingService) Connect(ctx context.Context, req RegisterRequest) (domain.Connection, error) {
	return s.registry.Register(ctx, req)
}

func (s *SignalingService) Disconnect(ctx context.Context, connectionID string, reason domain.TeardownReason) {
	s.registry.Teardown(ctx, connectionID, reason)
}

// HandleFrame processes one inbound frame from connectionID. Errors the
// client should see are sent back as events before being returned.
func (s *SignalingService) HandleFrame(ctx context.Context, connectionID string, frame domain.Frame) error {
	const op = "service.signaling.handleFrame"
	log := s.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
		slog.String("event", string(frame.Name)),
	)

	conn, ok := s.registry.LookupByConnectionID(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}

	err := s.dispatch(ctx, conn, frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTargetUnavailable):
		// Relay already told the sender.
	case errors.Is(err, ErrConnectionNotFound):
	default:
		s.replyError(connectionID, frame.Name, err)
	}
	log.Debug("frame rejected", sl.Err(err))
	return err
}

func (s *SignalingService) dispatch(ctx context.Context, conn domain.Connection, frame domain.Frame) error {
	if kind := domain.SignalKind(frame.Name); kind.Valid() {
		to := gjson.GetBytes(frame.Data, "to").String()
		if to == "" {
			return errors.New("target is required")
		}
		return s.relay.Relay(kind, conn.UserID, to, frame.Data)
	}

	switch frame.Name {
	case domain.EventHeartbeat:
		return s.heartbeat.HandleHeartbeat(ctx, conn.ConnectionID)

	case domain.EventPong:
		return s.heartbeat.HandlePong(ctx, conn.ConnectionID)

	case domain.EventDisconnect:
		s.registry.Teardown(ctx, conn.ConnectionID, domain.ReasonClientDisconnect)
		return nil

	case domain.EventJoinRoom:
		var data joinRoomData
		if err := decode(frame.Data, &data); err != nil {
			return err
		}
		_, err := s.registry.JoinRoom(ctx, conn.ConnectionID, strings.TrimSpace(data.RoomID))
		return err

	case domain.EventCallUser:
		var data callUserData
		if err := decode(frame.Data, &data); err != nil {
			return err
		}
		if data.TargetUserID == "" {
			return errors.New("targetUserId is required")
		}
		return s.relay.InitiateCall(conn.UserID, data.TargetUserID, data.CallType, data.CallID)

	case domain.EventSendInvite:
		var data sendInviteData
		if err := decode(frame.Data, &data); err != nil {
			return err
		}
		_, err := s.mailbox.Send(conn.UserID, conn.DisplayName, data.ToUserID, data.CallType)
		return err

	case domain.EventGetInvites:
		return s.registry.SendTo(conn.ConnectionID, domain.Event{
			Name: domain.EventInvites,
			Data: s.mailbox.Drain(conn.UserID),
		})

	case domain.EventSendMessage:
		var data sendMessageData
		if err := decode(frame.Data, &data); err != nil {
			return err
		}
		msg := strings.TrimSpace(data.Message)
		if msg == "" {
			return errors.New("message is required")
		}
		if utf8.RuneCountInString(msg) > maxChatMessageLength {
			return fmt.Errorf("message exceeds %d characters", maxChatMessageLength)
		}
		return s.registry.RoomBroadcast(conn.ConnectionID, domain.Event{
			Name: domain.EventChatMessage,
			Data: domain.ChatMessageData{
				UserID:    conn.UserID,
				UserName:  conn.DisplayName,
				Message:   msg,
				Timestamp: s.now(),
			},
		}, true)

	case domain.EventToggleAudio, domain.EventToggleVideo:
		var data toggleData
		if err := decode(frame.Data, &data); err != nil {
			return err
		}
		name := domain.EventUserAudioToggle
		if frame.Name == domain.EventToggleVideo {
			name = domain.EventUserVideoToggle
		}
		return s.registry.RoomBroadcast(conn.ConnectionID, domain.Event{
			Name: name,
			Data: domain.ToggleData{UserID: conn.UserID, IsEnabled: data.IsEnabled},
		}, false)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, frame.Name)
	}
}

func (s *SignalingService) replyError(connectionID string, event domain.EventName, err error) {
	msg := err.Error()
	if errors.Is(err, ErrNotInRoom) {
		msg = ErrNotInRoom.Error()
	}
	if sendErr := s.registry.SendTo(connectionID, domain.Event{
		Name: domain.EventError,
		Data: domain.ErrorData{Message: msg, Event: event},
	}); sendErr != nil {
		s.log.Debug("error event dropped", slog.String("connection_id", connectionID), sl.Err(sendErr))
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
