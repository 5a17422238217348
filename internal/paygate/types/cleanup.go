package types

// CleanupResult is the outcome of one cleanup execution for an IP.
type CleanupResult struct {
	IP         string `json:"ip"`
	Success    bool   `json:"success"`
	RuleID     string `json:"rule_id,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
}

type ScheduledCleanupsResponse struct {
	Count int      `json:"count"`
	IPs   []string `json:"ips"`
}
