package types

import "time"

// PaymentRecord is a verified ledger transfer. Immutable once created.
type PaymentRecord struct {
	TransactionRef string    `json:"transaction_ref"`
	AmountOctas    uint64    `json:"amount_octas"`
	Currency       string    `json:"currency"`
	ObservedAt     time.Time `json:"observed_at"`
	PayerAddress   string    `json:"payer_address"`
	Recipient      string    `json:"recipient,omitempty"`
	Verified       bool      `json:"verified"`
}

// FailureKind classifies why a payment was rejected.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureMalformed        FailureKind = "malformed_reference"
	FailureAlreadyProcessed FailureKind = "already_processed"
	FailureNotFound         FailureKind = "transaction_not_found"
	FailureTxFailed         FailureKind = "transaction_failed"
	FailureNotTransfer      FailureKind = "not_a_transfer"
	FailureWrongRecipient   FailureKind = "wrong_recipient"
	FailureAmountTooLow     FailureKind = "amount_too_low"
	FailureAmountTooHigh    FailureKind = "amount_too_high"
	FailureWrongCurrency    FailureKind = "wrong_currency"
	FailureUnavailable      FailureKind = "ledger_unavailable"
)

type PaymentResult struct {
	Success bool           `json:"success"`
	Failure FailureKind    `json:"failure,omitempty"`
	Message string         `json:"message,omitempty"`
	Record  *PaymentRecord `json:"record,omitempty"`
}

type PaymentRequest struct {
	TransactionRef string `json:"transaction_ref"`
	IP             string `json:"ip,omitempty"`
}

type PaymentResponse struct {
	OK             bool          `json:"ok"`
	Queued         bool          `json:"queued,omitempty"`
	AlreadyGranted bool          `json:"already_granted,omitempty"`
	IP             string        `json:"ip,omitempty"`
	RuleID         string        `json:"rule_id,omitempty"`
	ExpiresAt      string        `json:"expires_at,omitempty"`
	Payment        PaymentResult `json:"payment"`
	ServerTime     string        `json:"server_time"`
}

// PaymentOption is one entry of the x402-style "accepts" list.
type PaymentOption struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	Description       string `json:"description,omitempty"`
}

type PaymentInfoResponse struct {
	Accepts         []PaymentOption `json:"accepts"`
	PriceDisplay    string          `json:"price_display"`
	DurationSeconds int64           `json:"duration_seconds"`
	ClientIP        string          `json:"client_ip,omitempty"`
}
