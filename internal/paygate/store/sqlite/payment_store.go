package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Paygate/server/internal/db"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

type PaymentStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewPaymentStore(db *sql.DB, writer *dbpkg.Worker) *PaymentStore {
	return &PaymentStore{db: db, writer: writer, now: time.Now}
}

func (s *PaymentStore) HasBeenProcessed(ctx context.Context, ref string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE tx_ref = ?;`, ref,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("HasBeenProcessed: %w", err)
	}
	return n > 0, nil
}

func (s *PaymentStore) RecordPayment(ctx context.Context, rec types.PaymentRecord) error {
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = s.now().UTC()
	}
	observedMs := rec.ObservedAt.UTC().UnixMilli()
	recordedMs := s.now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// INSERT OR IGNORE keeps the check and the write in one statement so
		// two concurrent redemptions cannot both succeed.
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO payments(
  tx_ref, amount_octas, currency, payer_address, recipient,
  observed_at_ms, recorded_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			rec.TransactionRef, int64(rec.AmountOctas), rec.Currency, rec.PayerAddress,
			rec.Recipient, observedMs, recordedMs,
		)
		if err != nil {
			return fmt.Errorf("RecordPayment insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("RecordPayment rows: %w", err)
		}
		if n == 0 {
			return store.ErrDuplicatePayment
		}
		return nil
	})
}

func (s *PaymentStore) GetPayment(ctx context.Context, ref string) (types.PaymentRecord, error) {
	var (
		rec        types.PaymentRecord
		amount     int64
		observedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT tx_ref, amount_octas, currency, payer_address, recipient, observed_at_ms
FROM payments
WHERE tx_ref = ?;
`, ref).Scan(&rec.TransactionRef, &amount, &rec.Currency, &rec.PayerAddress, &rec.Recipient, &observedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PaymentRecord{}, store.ErrNotFound
	}
	if err != nil {
		return types.PaymentRecord{}, fmt.Errorf("GetPayment: %w", err)
	}
	rec.AmountOctas = uint64(amount)
	rec.ObservedAt = time.UnixMilli(observedMs).UTC()
	// Only verified payments are ever recorded.
	rec.Verified = true
	return rec, nil
}

func (s *PaymentStore) RedeemedBy(ctx context.Context, ref string) (string, error) {
	var ip string
	err := s.db.QueryRowContext(ctx,
		`SELECT ip_address FROM payments WHERE tx_ref = ?;`, ref,
	).Scan(&ip)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("RedeemedBy: %w", err)
	}
	return ip, nil
}

func (s *PaymentStore) Claim(ctx context.Context, ref, ip string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT ip_address FROM payments WHERE tx_ref = ?;`, ref,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Claim lookup: %w", err)
		}

		switch current {
		case ip:
			return nil
		case "":
		default:
			return store.ErrDuplicatePayment
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET ip_address = ? WHERE tx_ref = ?;`, ip, ref,
		); err != nil {
			return fmt.Errorf("Claim update: %w", err)
		}
		return nil
	})
}

func (s *PaymentStore) Release(ctx context.Context, ref, ip string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET ip_address = '' WHERE tx_ref = ? AND ip_address = ?;`, ref, ip,
		); err != nil {
			return fmt.Errorf("Release: %w", err)
		}
		return nil
	})
}
