package domain

import "time"

// Presence is a directory entry for a guest currently online.
type Presence struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	IsGuest bool      `json:"isGuest"`
	Since   time.Time `json:"since"`
}
