// Package firewall is a client for the Cloudflare zone access-rules API.
// Every request is retried on HTTP 429 and network failures under an
// exponential backoff policy; any other rejection fails at once.
package firewall

import (
	"bytes"
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

	"github.com/BrandonDHaskell/Paygate/server/internal/backoff"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

const (
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"

	listPageSize = 50
	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL string
	Token   string
	ZoneID  string

	HTTPClient *http.Client
	Backoff    backoff.Policy
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

type Client struct {
	baseURL string
	token   string
	zoneID  string
	http    *http.Client
	policy  backoff.Policy
	logger  *logging.Logger
	metrics *metrics.Registry
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("firewall: api token is required")
	}
	if strings.TrimSpace(cfg.ZoneID) == "" {
		return nil, errors.New("firewall: zone id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Get()
	}

	policy := cfg.Backoff
	policy.Retryable = isTransient

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		zoneID:  cfg.ZoneID,
		http:    cfg.HTTPClient,
		policy:  policy,
		logger:  cfg.Logger.WithComponent("firewall"),
		metrics: cfg.Metrics,
	}, nil
}

// Wire format of the access-rules API.
type ruleConfiguration struct {
	Target string `json:"target"`
	Value  string `json:"value"`
}

type wireRule struct {
	ID            string            `json:"id,omitempty"`
	Mode          string            `json:"mode"`
	Notes         string            `json:"notes,omitempty"`
	Configuration ruleConfiguration `json:"configuration"`
}

type envelope struct {
	Success bool              `json:"success"`
	Errors  []envelopeMessage `json:"errors"`
	Result  json.RawMessage   `json:"result"`
	Info    *resultInfo       `json:"result_info,omitempty"`
}

type envelopeMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	TotalCount int `json:"total_count"`
}

func (r wireRule) toRule() types.AccessRule {
	return types.AccessRule{
		ID:     r.ID,
		Mode:   types.RuleMode(r.Mode),
		Target: r.Configuration.Target,
		Value:  r.Configuration.Value,
		Notes:  r.Notes,
	}
}

func (c *Client) rulesPath() string {
	return "/zones/" + url.PathEscape(c.zoneID) + "/firewall/access_rules/rules"
}

// CreateRule adds a rule for ip. The address is validated before any
// request is made.
func (c *Client) CreateRule(ctx context.Context, ip string, mode types.RuleMode, notes string) (types.AccessRule, error) {
	const op = "create_rule"

	canon, err := ParseIP(ip)
	if err != nil {
		c.logCall(op, ip, err)
		return types.AccessRule{}, err
	}
	if mode == "" {
		mode = types.ModeWhitelist
	}

	body := wireRule{
		Mode:          string(mode),
		Notes:         notes,
		Configuration: ruleConfiguration{Target: targetFor(canon), Value: canon},
	}

	var env envelope
	err = c.call(ctx, op, canon, func(ctx context.Context) (*envelope, error) {
		return c.send(ctx, op, http.MethodPost, c.rulesPath(), nil, body)
	}, &env)
	if err != nil {
		return types.AccessRule{}, err
	}

	var created wireRule
	if err := json.Unmarshal(env.Result, &created); err != nil || created.ID == "" {
		err = &APIError{Op: op, Messages: []string{"create response carried no rule"}}
		c.logCall(op, canon, err)
		return types.AccessRule{}, err
	}
	return created.toRule(), nil
}

// DeleteRule removes a rule by id. A rule that no longer exists counts as
// deleted.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	const op = "delete_rule"

	if strings.TrimSpace(ruleID) == "" {
		err := &APIError{Op: op, Messages: []string{"empty rule id"}}
		c.logCall(op, ruleID, err)
		return err
	}

	var env envelope
	err := c.call(ctx, op, ruleID, func(ctx context.Context) (*envelope, error) {
		e, err := c.send(ctx, op, http.MethodDelete, c.rulesPath()+"/"+url.PathEscape(ruleID), nil, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Info("rule already gone", "rule_id", ruleID)
			return &envelope{Success: true}, nil
		}
		return e, err
	}, &env)
	return err
}

// ListRules returns every rule for ip, or every rule in the zone when ip
// is empty, following pagination.
func (c *Client) ListRules(ctx context.Context, ip string) ([]types.AccessRule, error) {
	const op = "list_rules"

	key := ip
	q := url.Values{}
	if ip != "" {
		canon, err := ParseIP(ip)
		if err != nil {
			c.logCall(op, ip, err)
			return nil, err
		}
		key = canon
		q.Set("configuration.target", targetFor(canon))
		q.Set("configuration.value", canon)
	}
	q.Set("per_page", strconv.Itoa(listPageSize))

	var out []types.AccessRule
	for page := 1; ; page++ {
		q.Set("page", strconv.Itoa(page))
		query := cloneValues(q)

		var env envelope
		err := c.call(ctx, op, key, func(ctx context.Context) (*envelope, error) {
			return c.send(ctx, op, http.MethodGet, c.rulesPath(), query, nil)
		}, &env)
		if err != nil {
			return nil, err
		}

		var rules []wireRule
		if len(env.Result) > 0 && string(env.Result) != "null" {
			if err := json.Unmarshal(env.Result, &rules); err != nil {
				err = &APIError{Op: op, Messages: []string{"undecodable rule list: " + err.Error()}}
				c.logCall(op, key, err)
				return nil, err
			}
		}
		for _, r := range rules {
			// The remote filter is a hint; keep only exact matches.
			if key != "" && r.Configuration.Value != key {
				continue
			}
			out = append(out, r.toRule())
		}

		if env.Info == nil || page >= env.Info.TotalPages || len(rules) == 0 {
			return out, nil
		}
	}
}

// EnsureWhitelistRule returns the existing whitelist rule for ip, or
// replaces any conflicting rule with a new whitelist rule.
func (c *Client) EnsureWhitelistRule(ctx context.Context, ip, notes string) (types.AccessRule, error) {
	canon, err := ParseIP(ip)
	if err != nil {
		c.logCall("ensure_whitelist", ip, err)
		return types.AccessRule{}, err
	}

	rules, err := c.ListRules(ctx, canon)
	if err != nil {
		return types.AccessRule{}, fmt.Errorf("EnsureWhitelistRule: %w", err)
	}

	for _, r := range rules {
		if r.Mode == types.ModeWhitelist {
			c.logger.Debug("whitelist rule exists", "ip", canon, "rule_id", r.ID)
			return r, nil
		}
	}
	for _, r := range rules {
		c.logger.Info("replacing conflicting rule", "ip", canon, "rule_id", r.ID, "mode", r.Mode)
		if err := c.DeleteRule(ctx, r.ID); err != nil {
			return types.AccessRule{}, fmt.Errorf("EnsureWhitelistRule: %w", err)
		}
	}

	rule, err := c.CreateRule(ctx, canon, types.ModeWhitelist, notes)
	if err != nil {
		return types.AccessRule{}, fmt.Errorf("EnsureWhitelistRule: %w", err)
	}
	return rule, nil
}

// call runs attempt under the retry policy and records the outcome.
func (c *Client) call(ctx context.Context, op, key string, attempt func(context.Context) (*envelope, error), out *envelope) error {
	start := time.Now()
	defer func() {
		c.metrics.FirewallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	_, err := c.policy.Run(ctx, func(ctx context.Context) error {
		env, err := attempt(ctx)
		if err != nil {
			return err
		}
		*out = *env
		return nil
	}, func(n int, delay time.Duration, err error) {
		c.metrics.FirewallRetries.WithLabelValues(op).Inc()
		c.logger.Warn("retrying remote firewall call",
			"op", op, "key", key, "attempt", n, "delay", delay, "error", err)
	})

	var ex *backoff.ExhaustedError
	if errors.As(err, &ex) {
		err = &UnavailableError{Op: op, Attempts: ex.Attempts, Err: ex.Err}
	}
	c.logCall(op, key, err)
	return err
}

func (c *Client) logCall(op, key string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case errors.Is(err, ErrServiceUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrInvalidIP):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	c.metrics.FirewallCalls.WithLabelValues(op, outcome).Inc()

	if err != nil {
		c.logger.Warn("remote firewall call", "op", op, "key", key, "success", false, "error", err)
		return
	}
	c.logger.Info("remote firewall call", "op", op, "key", key, "success", true)
}

// send performs one HTTP exchange and classifies its outcome.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body any) (*envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: fmt.Errorf("%s: %w", op, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: fmt.Errorf("%s: read response: %w", op, err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &transientError{status: resp.StatusCode}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Messages = env.messages()
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Messages: []string{"undecodable response body"}}
	}
	if !env.Success {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Messages: env.messages()}
	}
	return &env, nil
}

func (e envelope) messages() []string {
	out := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		out = append(out, fmt.Sprintf("%d: %s", m.Code, m.Message))
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
