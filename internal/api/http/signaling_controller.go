package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/service"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

const guestIDLength = 12

type SignalingControllerOptions struct {
	AllowedOrigins  []string
	SendBuffer      int
	MaxMessageBytes int64
	// PongWait bounds how long the socket may stay silent; protocol pings
	// go out at nine tenths of it.
	PongWait time.Duration
}

type SignalingController struct {
	signaling service.SignalingInteractor
	upgrader  websocket.Upgrader
	opts      SignalingControllerOptions
	log       *slog.Logger
}

func NewSignalingController(signaling service.SignalingInteractor, opts SignalingControllerOptions, log *slog.Logger) *SignalingController {
	if log == nil {
		log = slog.Default()
	}
	if opts.PongWait <= 0 {
		opts.PongWait = pongWait
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	return &SignalingController{
		signaling: signaling,
		opts:      opts,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// Connect upgrades the request and serves the client until its socket
// closes. The user id comes from the userId query parameter; clients
// without one are issued a guest id.
func (c *SignalingController) Connect(ctx *gin.Context) {
	const op = "api.http.signaling.connect"

	userID := strings.TrimSpace(ctx.Query("userId"))
	if userID == "" {
		userID = strings.TrimSpace(ctx.Query("user_id"))
	}
	if userID == "" {
		userID = newGuestID()
	}
	displayName := strings.TrimSpace(ctx.Query("name"))

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", slog.String("op", op), sl.Err(err))
		return
	}

	connectionID := uuid.NewString()
	log := c.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
	)

	transport := newWSTransport(conn, c.opts.SendBuffer, log)
	go transport.writePump(c.opts.PongWait * 9 / 10)

	_, err = c.signaling.Connect(context.Background(), service.RegisterRequest{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		Metadata: domain.TransportMetadata{
			RemoteAddr: ctx.ClientIP(),
			UserAgent:  ctx.Request.UserAgent(),
		},
		Transport: transport,
	})
	if err != nil {
		log.Warn("registration rejected", sl.Err(err))
		_ = transport.Send(domain.Event{Name: domain.EventError, Data: domain.ErrorData{Message: err.Error()}})
		_ = transport.Close()
		return
	}

	c.readLoop(conn, transport, connectionID, log)
}

func (c *SignalingController) readLoop(conn *websocket.Conn, transport *wsTransport, connectionID string, log *slog.Logger) {
	reason := domain.ReasonTransportClosed
	defer func() {
		transport.markDisconnected()
		c.signaling.Disconnect(context.Background(), connectionID, reason)
	}()

	conn.SetReadLimit(c.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed unexpectedly", sl.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var frame domain.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Name == "" {
			_ = transport.Send(domain.Event{
				Name: domain.EventError,
				Data: domain.ErrorData{Message: "frames must be {\"event\": ..., \"data\": ...}"},
			})
			continue
		}

		err = c.signaling.HandleFrame(context.Background(), connectionID, frame)
		if errors.Is(err, service.ErrConnectionNotFound) {
			// Torn down elsewhere, e.g. superseded or evicted.
			return
		}
		if frame.Name == domain.EventDisconnect {
			reason = domain.ReasonClientDisconnect
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

func newGuestID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "guest_" + id[:guestIDLength]
}
