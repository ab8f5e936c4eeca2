package model

import "time"

// DownloadToken grants a limited number of downloads of one purchased item.
type DownloadToken struct {
	ID            string
	ItemID        string
	Token         string
	ExpiresAt     time.Time
	RemainingUses int
}

// ValidAt reports whether the token can still be used at now.
func (t *DownloadToken) ValidAt(now time.Time) bool {
	return t.RemainingUses > 0 && now.Before(t.ExpiresAt)
}

// LineItem is one purchased pack of an order. The storefront owns it.
type LineItem struct {
	ID        string
	OrderID   string
	OwnerID   string
	PackTitle string
	PackFile  string
}

// Identity is the authenticated user supplied by the identity provider.
type Identity struct {
	UserID   string
	Username string
	IsStaff  bool
	// ForumAccess is the storefront's "has paid" flag.
	ForumAccess bool
}

// PresenceStatus is the online state of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
)

// ParseStatus validates a client-supplied status.
func ParseStatus(s string) (PresenceStatus, bool) {
	switch PresenceStatus(s) {
	case StatusOnline, StatusOffline, StatusAway:
		return PresenceStatus(s), true
	}
	return "", false
}

// Presence is the ephemeral state of one user.
type Presence struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
