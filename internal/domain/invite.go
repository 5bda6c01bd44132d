package domain

import (
	"errors"
	"time"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Invite is a pending call invitation waiting in the recipient's mailbox.
type Invite struct {
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName"`
	ToUserID  string    `json:"toUserId"`
	CallType  CallType  `json:"callType"`
	Timestamp time.Time `json:"timestamp"`
}

func NewInvite(fromID, fromName, toUserID string, callType CallType, now time.Time) (Invite, error) {
	if fromID == "" || toUserID == "" {
		return Invite{}, errors.New("invite sender and recipient are required")
	}
	if callType == "" {
		callType = CallTypeAudio
	}
	if !callType.Valid() {
		return Invite{}, errors.New("invite call type must be audio or video")
	}
	if fromName == "" {
		fromName = fromID
	}
	return Invite{
		FromID:    fromID,
		FromName:  fromName,
		ToUserID:  toUserID,
		CallType:  callType,
		Timestamp: now.UTC(),
	}, nil
}
