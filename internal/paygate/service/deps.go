package service

import (
	"context"

	"github.com/BrandonDHaskell/Paygate/server/internal/alert"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

// RuleClient is the remote firewall as seen by the orchestrator and the
// cleanup scheduler.
type RuleClient interface {
	EnsureWhitelistRule(ctx context.Context, ip, notes string) (types.AccessRule, error)
	ListRules(ctx context.Context, ip string) ([]types.AccessRule, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// Ledger looks up a transfer by transaction reference.
type Ledger interface {
	LookupTransfer(ctx context.Context, ref string) (ledger.Transfer, error)
}

// Alerter notifies an administrator.
type Alerter interface {
	Send(ctx context.Context, n alert.Notification) error
}
