package service

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/metrics"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

// Relay forwards signaling messages between two connections. It keeps no
// state of its own; targets are resolved against the registry on every
// call.
type Relay struct {
	registry *Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	newID    func() string
}

func NewRelay(registry *Registry, m *metrics.Metrics, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		registry: registry,
		metrics:  m,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Relay delivers payload to toUserID as a kind event from fromUserID. The
// payload is forwarded byte for byte. When the target is unknown or its
// transport is gone the sender gets an error event and ErrTargetUnavailable
// is returned; nothing is queued.
func (r *Relay) Relay(kind domain.SignalKind, fromUserID, toUserID string, payload json.RawMessage) error {
	const op = "service.relay.relay"
	log := r.log.With(
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.String("from", fromUserID),
		slog.String("to", toUserID),
	)

	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, kind)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	err := r.registry.SendToUser(toUserID, domain.Event{
		Name: domain.EventName(kind),
		Data: domain.RelayData{From: fromUserID, Payload: payload},
	})
	if err != nil {
		// A bare sentinel means no live target; anything wrapped is a failed send.
		outcome := "failed"
		if err == ErrTargetUnavailable {
			outcome = "unavailable"
		}
		r.metrics.RelayOutcome(string(kind), outcome)
		log.Info("relay target unavailable", sl.Err(err))

		r.notifySender(fromUserID, domain.Event{
			Name: domain.EventError,
			Data: domain.ErrorData{
				Message: fmt.Sprintf("user %s is not available", toUserID),
				Event:   domain.EventName(kind),
			},
		})
		return ErrTargetUnavailable
	}

	r.metrics.RelayOutcome(string(kind), "delivered")
	log.Debug("relayed", slog.Int("payload_bytes", len(payload)))
	return nil
}

// InitiateCall rings toUserID on behalf of fromUserID. The callee gets an
// incoming-call notification with a fresh room id; the caller gets a
// ringing acknowledgement, or a call-error when the callee is offline.
func (r *Relay) InitiateCall(fromUserID, toUserID string, callType domain.CallType, callID string) error {
	const op = "service.relay.initiateCall"
	log := r.log.With(
		slog.String("op", op),
		slog.String("from", fromUserID),
		slog.String("to", toUserID),
	)

	if callType == "" {
		callType = domain.CallTypeVideo
	}
	if !callType.Valid() {
		r.notifySender(fromUserID, domain.Event{
			Name: domain.EventCallError,
			Data: domain.CallErrorData{Error: "unsupported call type", TargetUserID: toUserID},
		})
		return fmt.Errorf("%w: call type %q", ErrUnsupportedEvent, callType)
	}
	if callID == "" {
		callID = r.newID()
	}

	callerName := fromUserID
	if caller, ok := r.registry.LookupByUserID(fromUserID); ok {
		callerName = caller.DisplayName
	}
	roomID := r.newID()

	err := r.registry.SendToUser(toUserID, domain.Event{
		Name: domain.EventIncomingCall,
		Data: domain.IncomingCallData{
			CallerID:   fromUserID,
			CallerName: callerName,
			CallType:   callType,
			RoomID:     roomID,
			CallID:     callID,
		},
	})
	if err != nil {
		r.metrics.RelayOutcome(string(domain.EventIncomingCall), "unavailable")
		log.Info("callee unavailable", sl.Err(err))
		r.notifySender(fromUserID, domain.Event{
			Name: domain.EventCallError,
			Data: domain.CallErrorData{Error: "user is not available", TargetUserID: toUserID},
		})
		return ErrTargetUnavailable
	}

	r.metrics.RelayOutcome(string(domain.EventIncomingCall), "delivered")
	r.notifySender(fromUserID, domain.Event{
		Name: domain.EventCallInitiated,
		Data: domain.CallInitiatedData{
			TargetUserID: toUserID,
			Status:       "ringing",
			CallID:       callID,
			RoomID:       roomID,
		},
	})
	log.Info("call initiated",
		slog.String("call_id", callID),
		slog.String("call_type", string(callType)),
	)
	return nil
}

func (r *Relay) notifySender(userID string, event domain.Event) {
	if err := r.registry.SendToUser(userID, event); err != nil {
		r.log.Debug("sender notification dropped",
			slog.String("user_id", userID),
			slog.String("event", string(event.Name)),
			sl.Err(err),
		)
	}
}
