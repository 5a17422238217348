package types

import "time"

// TriggerEvent says a blocked client is attempting access. Every observer
// of one event sees the same IP.
type TriggerEvent struct {
	ID         string    `json:"id"`
	Signals    []string  `json:"signals"`
	DetectedAt time.Time `json:"detected_at"`
	IP         string    `json:"ip"`
}
