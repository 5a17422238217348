package types

type RuleMode string

const (
	ModeWhitelist RuleMode = "whitelist"
	ModeBlock     RuleMode = "block"
	ModeChallenge RuleMode = "challenge"
)

// AccessRule mirrors one access rule held by the remote firewall.
type AccessRule struct {
	ID     string   `json:"id"`
	Mode   RuleMode `json:"mode"`
	Target string   `json:"target"` // "ip" or "ip6"
	Value  string   `json:"value"`
	Notes  string   `json:"notes,omitempty"`
}
