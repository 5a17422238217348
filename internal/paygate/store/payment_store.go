package store

import (
	"context"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

// PaymentStore records consumed transaction references for replay
// protection. A recorded payment is unredeemed until claimed for an IP.
type PaymentStore interface {
	HasBeenProcessed(ctx context.Context, ref string) (bool, error)

	// RecordPayment stores rec atomically. A reference seen before yields
	// ErrDuplicatePayment and leaves the existing row untouched.
	RecordPayment(ctx context.Context, rec types.PaymentRecord) error

	// GetPayment returns the stored record for ref, or ErrNotFound.
	GetPayment(ctx context.Context, ref string) (types.PaymentRecord, error)

	// RedeemedBy returns the IP a payment was claimed for, "" while it is
	// unredeemed, or ErrNotFound.
	RedeemedBy(ctx context.Context, ref string) (string, error)

	// Claim binds an unredeemed payment to ip. Claiming again for the same
	// ip is a no-op; a payment claimed for another ip yields
	// ErrDuplicatePayment.
	Claim(ctx context.Context, ref, ip string) error

	// Release undoes a Claim by ip so the payment can be redeemed again.
	Release(ctx context.Context, ref, ip string) error
}
