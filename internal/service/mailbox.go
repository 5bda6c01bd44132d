package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/internal/metrics"
)

const defaultMaxInvites = 50

// Mailbox holds call invites per recipient until the recipient polls. It
// lives only in memory; invites do not survive a restart.
type Mailbox struct {
	max     int
	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	boxes map[string][]domain.Invite
}

func NewMailbox(maxInvites int, m *metrics.Metrics, log *slog.Logger) *Mailbox {
	if log == nil {
		log = slog.Default()
	}
	if maxInvites <= 0 {
		maxInvites = defaultMaxInvites
	}
	return &Mailbox{
		max:     maxInvites,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: m,
		log:     log,
		boxes:   make(map[string][]domain.Invite),
	}
}

// Send validates and queues a new invite.
func (m *Mailbox) Send(fromID, fromName, toUserID string, callType domain.CallType) (domain.Invite, error) {
	inv, err := domain.NewInvite(fromID, fromName, toUserID, callType, m.now())
	if err != nil {
		return domain.Invite{}, fmt.Errorf("%w: %w", ErrInvalidInvite, err)
	}
	m.Push(inv)
	return inv, nil
}

// Push appends inv to its recipient's queue, dropping the oldest invite
// when the queue is full.
func (m *Mailbox) Push(inv domain.Invite) {
	m.mu.Lock()
	box := append(m.boxes[inv.ToUserID], inv)
	var dropped []domain.Invite
	if over := len(box) - m.max; over > 0 {
		dropped = box[:over]
		box = append([]domain.Invite(nil), box[over:]...)
	}
	m.boxes[inv.ToUserID] = box
	m.mu.Unlock()

	for _, d := range dropped {
		m.metrics.InviteDropped()
		m.log.Warn("mailbox full, dropped oldest invite",
			slog.String("to", d.ToUserID),
			slog.String("from", d.FromID),
			slog.Time("sent_at", d.Timestamp),
		)
	}
	m.log.Info("invite queued",
		slog.String("to", inv.ToUserID),
		slog.String("from", inv.FromID),
		slog.String("call_type", string(inv.CallType)),
	)
}

// Drain returns and clears every pending invite for userID, oldest first.
func (m *Mailbox) Drain(userID string) []domain.Invite {
	m.mu.Lock()
	box := m.boxes[userID]
	delete(m.boxes, userID)
	m.mu.Unlock()

	if box == nil {
		return []domain.Invite{}
	}
	return box
}
