package types

import "time"

// ExpiredMarker is appended to a grant's justification once its rule has
// been removed.
const ExpiredMarker = "[expired]"

// AccessGrantEntry is the durable record of one IP's time-bounded access.
// ExpiresAt holds the planned expiry until cleanup overwrites it with the
// actual cleanup time.
type AccessGrantEntry struct {
	ID            string     `json:"id"`
	IPAddress     string     `json:"ip_address"`
	Justification string     `json:"justification"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CleanedUp     bool       `json:"cleaned_up"`
}

// Active reports whether the grant still stands (not cleaned up).
func (e AccessGrantEntry) Active() bool { return !e.CleanedUp }

// PlannedExpiry returns when the grant should be cleaned up, falling back
// to CreatedAt+def for rows written without an expiry.
func (e AccessGrantEntry) PlannedExpiry(def time.Duration) time.Time {
	if e.ExpiresAt != nil {
		return *e.ExpiresAt
	}
	return e.CreatedAt.Add(def)
}

type AccessStatusResponse struct {
	IP               string `json:"ip"`
	Whitelisted      bool   `json:"whitelisted"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
	ServerTime       string `json:"server_time"`
}
