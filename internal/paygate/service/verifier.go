package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

var (
	ErrMalformedReference  = errors.New("malformed transaction reference")
	ErrAlreadyProcessed    = errors.New("payment already processed")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrNotTransfer         = errors.New("transaction is not a coin transfer")
	ErrWrongRecipient      = errors.New("payment sent to wrong recipient")
	ErrLedgerUnavailable   = errors.New("payment ledger unavailable")
)

var txRefPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// AmountError reports a payment whose amount differs from the price.
type AmountError struct {
	Required uint64
	Received uint64
	Currency string
}

func (e *AmountError) TooLow() bool { return e.Received < e.Required }

func (e *AmountError) Kind() types.FailureKind {
	if e.TooLow() {
		return types.FailureAmountTooLow
	}
	return types.FailureAmountTooHigh
}

func (e *AmountError) Error() string {
	dir := "too high"
	if e.TooLow() {
		dir = "too low"
	}
	return fmt.Sprintf("payment amount %s: required %s %s, received %s %s",
		dir, types.FormatOctas(e.Required), e.Currency, types.FormatOctas(e.Received), e.Currency)
}

// CurrencyError reports a payment in a currency other than the required one.
type CurrencyError struct {
	Required string
	Received string
}

func (e *CurrencyError) Error() string {
	received := e.Received
	if received == "" {
		received = "unknown"
	}
	return fmt.Sprintf("wrong payment currency: required %s, received %s", e.Required, received)
}

// PaymentRequirements is the single accepted price.
type PaymentRequirements struct {
	AmountOctas uint64
	Currency    string
	PayTo       string
}

type Verifier struct {
	req      PaymentRequirements
	ledger   Ledger
	payments store.PaymentStore
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
}

func NewVerifier(req PaymentRequirements, l Ledger, ps store.PaymentStore, clk clock.Clock, logger *logging.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Verifier{
		req:      req,
		ledger:   l,
		payments: ps,
		clock:    clk,
		logger:   logger.WithComponent("verifier"),
		metrics:  metrics.Get(),
	}
}

func (v *Verifier) Requirements() PaymentRequirements { return v.req }

// NormalizeReference validates ref and returns its lowercase form.
func NormalizeReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !txRefPattern.MatchString(ref) {
		return "", ErrMalformedReference
	}
	return strings.ToLower(ref), nil
}

// Verify checks ref against the ledger and the price, then records it so it
// can never be redeemed twice.
func (v *Verifier) Verify(ctx context.Context, ref string) (types.PaymentRecord, error) {
	rec, err := v.verify(ctx, ref)
	v.metrics.PaymentsVerified.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		v.logger.Info("payment verification", "ref", ref, "success", false, "error", err)
		return types.PaymentRecord{}, err
	}
	v.logger.Info("payment verification", "ref", rec.TransactionRef, "success", true,
		"payer", rec.PayerAddress, "amount", types.FormatOctas(rec.AmountOctas))
	return rec, nil
}

func (v *Verifier) verify(ctx context.Context, ref string) (types.PaymentRecord, error) {
	ref, err := NormalizeReference(ref)
	if err != nil {
		return types.PaymentRecord{}, err
	}

	seen, err := v.payments.HasBeenProcessed(ctx, ref)
	if err != nil {
		return types.PaymentRecord{}, fmt.Errorf("Verify: %w", err)
	}
	if seen {
		return types.PaymentRecord{}, ErrAlreadyProcessed
	}

	tr, err := v.ledger.LookupTransfer(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return types.PaymentRecord{}, ErrTransactionNotFound
	case errors.Is(err, ledger.ErrNotTransfer):
		return types.PaymentRecord{}, fmt.Errorf("%w: %v", ErrNotTransfer, err)
	default:
		return types.PaymentRecord{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if !tr.Success {
		return types.PaymentRecord{}, fmt.Errorf("%w: %s", ErrTransactionFailed, tr.VMStatus)
	}
	if v.req.PayTo != "" && !sameAccount(tr.Recipient, v.req.PayTo) {
		return types.PaymentRecord{}, fmt.Errorf("%w: required %s, received %s", ErrWrongRecipient, v.req.PayTo, tr.Recipient)
	}
	// Currency is checked first so a foreign coin is rejected regardless
	// of its amount.
	if tr.Currency != v.req.Currency {
		return types.PaymentRecord{}, &CurrencyError{Required: v.req.Currency, Received: tr.Currency}
	}
	if tr.Amount != v.req.AmountOctas {
		return types.PaymentRecord{}, &AmountError{Required: v.req.AmountOctas, Received: tr.Amount, Currency: v.req.Currency}
	}

	observed := tr.Timestamp
	if observed.IsZero() {
		observed = v.clock.Now().UTC()
	}
	rec := types.PaymentRecord{
		TransactionRef: ref,
		AmountOctas:    tr.Amount,
		Currency:       tr.Currency,
		ObservedAt:     observed,
		PayerAddress:   tr.Sender,
		Recipient:      tr.Recipient,
		Verified:       true,
	}

	if err := v.payments.RecordPayment(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			return types.PaymentRecord{}, ErrAlreadyProcessed
		}
		return types.PaymentRecord{}, fmt.Errorf("Verify record: %w", err)
	}
	return rec, nil
}

// Classify maps a verification error to its failure kind.
func Classify(err error) types.FailureKind {
	var amountErr *AmountError
	var currencyErr *CurrencyError
	switch {
	case err == nil:
		return types.FailureNone
	case errors.Is(err, ErrMalformedReference):
		return types.FailureMalformed
	case errors.Is(err, ErrAlreadyProcessed):
		return types.FailureAlreadyProcessed
	case errors.Is(err, ErrTransactionNotFound):
		return types.FailureNotFound
	case errors.Is(err, ErrTransactionFailed):
		return types.FailureTxFailed
	case errors.Is(err, ErrNotTransfer):
		return types.FailureNotTransfer
	case errors.Is(err, ErrWrongRecipient):
		return types.FailureWrongRecipient
	case errors.As(err, &currencyErr):
		return types.FailureWrongCurrency
	case errors.As(err, &amountErr):
		return amountErr.Kind()
	default:
		return types.FailureUnavailable
	}
}

// PaymentResultFor renders a verification outcome for API responses.
func PaymentResultFor(rec types.PaymentRecord, err error) types.PaymentResult {
	if err != nil {
		return types.PaymentResult{Success: false, Failure: Classify(err), Message: err.Error()}
	}
	return types.PaymentResult{Success: true, Record: &rec}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(Classify(err))
}

// sameAccount compares two account addresses ignoring case and leading
// zeros.
func sameAccount(a, b string) bool {
	return normalizeAccount(a) == normalizeAccount(b)
}

func normalizeAccount(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimLeft(s, "0")
	return s
}

// transient reports whether err is worth retrying later with the same
// proof.
func transient(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
