package converter

import (
	"time"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
)

type GuestResponse struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	IsGuest bool      `json:"isGuest"`
	Since   time.Time `json:"since"`
}

// InviteResponse keeps the field names the call API has always used.
type InviteResponse struct {
	FromID    string          `json:"fromId"`
	FromName  string          `json:"fromName"`
	ToID      string          `json:"toId"`
	Type      domain.CallType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}

func GuestToApi(p domain.Presence) GuestResponse {
	return GuestResponse{
		ID:      p.ID,
		Name:    p.Name,
		Status:  p.Status,
		IsGuest: p.IsGuest,
		Since:   p.Since,
	}
}

func GuestsToApi(list []domain.Presence) []GuestResponse {
	out := make([]GuestResponse, 0, len(list))
	for _, p := range list {
		out = append(out, GuestToApi(p))
	}
	return out
}

func InviteToApi(inv domain.Invite) InviteResponse {
	return InviteResponse{
		FromID:    inv.FromID,
		FromName:  inv.FromName,
		ToID:      inv.ToUserID,
		Type:      inv.CallType,
		Timestamp: inv.Timestamp,
	}
}

func InvitesToApi(list []domain.Invite) []InviteResponse {
	out := make([]InviteResponse, 0, len(list))
	for _, inv := range list {
		out = append(out, InviteToApi(inv))
	}
	return out
}
