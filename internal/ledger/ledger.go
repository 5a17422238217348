// Package ledger looks up coin transfers on a Movement/Aptos full node via
// its REST API.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://aptos.testnet.porto.movementlabs.xyz/v1"

	// NativeCoinType is the coin type argument of the chain's native coin.
	NativeCoinType = "0x1::aptos_coin::AptosCoin"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrPending is returned for a transaction the node has not committed.
	ErrPending = errors.New("transaction pending")

	// ErrNotTransfer is returned for a committed transaction that is not a
	// recognised coin transfer.
	ErrNotTransfer = errors.New("transaction is not a coin transfer")

	// ErrUnavailable wraps network failures and 5xx/429 responses.
	ErrUnavailable = errors.New("ledger unavailable")
)

// transferFunctions are the entry functions accepted as payments. Their
// first argument is the recipient and the second the amount.
var transferFunctions = map[string]bool{
	"0x1::coin::transfer":          true,
	"0x1::aptos_coin::transfer":    true,
	"0x1::aptos_account::transfer": true,
}

// Transfer is a committed coin transfer as reported by the node.
type Transfer struct {
	Hash      string
	Success   bool
	VMStatus  string
	Sender    string
	Recipient string
	Amount    uint64 // base units
	CoinType  string
	Currency  string // symbol for CoinType, "" when unknown
	Timestamp time.Time
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Currencies maps coin types to currency symbols. Nil maps the native
	// coin to "MOVE".
	Currencies map[string]string
}

type wireTransaction struct {
	Type      string `json:"type"`
	Hash      string `json:"hash"`
	Sender    string `json:"sender"`
	Success   bool   `json:"success"`
	VMStatus  string `json:"vm_status"`
	Timestamp string `json:"timestamp"` // microseconds since epoch
	Payload   struct {
		Type          string            `json:"type"`
		Function      string            `json:"function"`
		TypeArguments []string          `json:"type_arguments"`
		Arguments     []json.RawMessage `json:"arguments"`
	} `json:"payload"`
}

// LookupTransfer fetches the transaction identified by hash and decodes it
// as a coin transfer.
func (c *Client) LookupTransfer(ctx context.Context, hash string) (Transfer, error) {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL+"/transactions/by_hash/"+url.PathEscape(hash), nil)
	if err != nil {
		return Transfer{}, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := hc.Do(req)
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return Transfer{}, ErrTransactionNotFound
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return Transfer{}, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	case res.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Transfer{}, fmt.Errorf("ledger lookup: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	var tx wireTransaction
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&tx); err != nil {
		return Transfer{}, fmt.Errorf("ledger lookup: decode: %w", err)
	}
	return c.decode(tx)
}

func (c *Client) decode(tx wireTransaction) (Transfer, error) {
	if tx.Type == "pending_transaction" {
		return Transfer{}, ErrPending
	}
	if tx.Type != "user_transaction" {
		return Transfer{}, fmt.Errorf("%w: type %q", ErrNotTransfer, tx.Type)
	}
	if tx.Payload.Type != "entry_function_payload" || !transferFunctions[tx.Payload.Function] {
		return Transfer{}, fmt.Errorf("%w: %s", ErrNotTransfer, tx.Payload.Function)
	}
	if len(tx.Payload.Arguments) < 2 {
		return Transfer{}, fmt.Errorf("%w: %d arguments", ErrNotTransfer, len(tx.Payload.Arguments))
	}

	var recipient, amount string
	if err := json.Unmarshal(tx.Payload.Arguments[0], &recipient); err != nil {
		return Transfer{}, fmt.Errorf("%w: recipient argument: %v", ErrNotTransfer, err)
	}
	if err := json.Unmarshal(tx.Payload.Arguments[1], &amount); err != nil {
		return Transfer{}, fmt.Errorf("%w: amount argument: %v", ErrNotTransfer, err)
	}
	octas, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: amount %q", ErrNotTransfer, amount)
	}

	// aptos_account::transfer and aptos_coin::transfer move the native
	// coin and carry no type argument.
	coinType := NativeCoinType
	if len(tx.Payload.TypeArguments) > 0 {
		coinType = tx.Payload.TypeArguments[0]
	}

	out := Transfer{
		Hash:      tx.Hash,
		Success:   tx.Success,
		VMStatus:  tx.VMStatus,
		Sender:    tx.Sender,
		Recipient: recipient,
		Amount:    octas,
		CoinType:  coinType,
		Currency:  c.currencyFor(coinType),
	}
	if us, err := strconv.ParseInt(tx.Timestamp, 10, 64); err == nil {
		out.Timestamp = time.UnixMicro(us).UTC()
	}
	return out, nil
}

func (c *Client) currencyFor(coinType string) string {
	if c.Currencies == nil {
		if coinType == NativeCoinType {
			return "MOVE"
		}
		return ""
	}
	return c.Currencies[coinType]
}
