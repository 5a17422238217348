package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Paygate/server/internal/firewall"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
)

// AddressStrategy is one way of discovering the payer's public address.
type AddressStrategy struct {
	Name   string
	Detect func(ctx context.Context) (string, error)
}

// StrategyFailure records why one strategy produced no address.
type StrategyFailure struct {
	Strategy string
	Reason   string
}

// ResolutionError lists every strategy tried and why each failed.
type ResolutionError struct {
	Failures []StrategyFailure
}

func (e *ResolutionError) Error() string {
	if len(e.Failures) == 0 {
		return "payer address resolution failed: no strategies configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Strategy+": "+f.Reason)
	}
	return "payer address resolution failed: " + strings.Join(parts, "; ")
}

// AddressResolver returns the operator-configured address when set, and
// otherwise the first valid address from its strategies, in order.
type AddressResolver struct {
	configured string
	strategies []AddressStrategy
	logger     *logging.Logger
}

func NewAddressResolver(configured string, strategies []AddressStrategy, logger *logging.Logger) *AddressResolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AddressResolver{
		configured: strings.TrimSpace(configured),
		strategies: strategies,
		logger:     logger.WithComponent("address"),
	}
}

func (r *AddressResolver) ResolvePayerAddress(ctx context.Context) (string, error) {
	if r.configured != "" {
		return r.configured, nil
	}

	var failures []StrategyFailure
	for _, s := range r.strategies {
		raw, err := s.Detect(ctx)
		if err != nil {
			failures = append(failures, StrategyFailure{Strategy: s.Name, Reason: err.Error()})
			r.logger.Debug("address strategy failed", "strategy", s.Name, "error", err)
			continue
		}
		ip, err := firewall.ParseIP(raw)
		if err != nil {
			failures = append(failures, StrategyFailure{Strategy: s.Name, Reason: fmt.Sprintf("invalid address %q", raw)})
			r.logger.Debug("address strategy returned invalid value", "strategy", s.Name, "value", raw)
			continue
		}
		r.logger.Debug("payer address resolved", "strategy", s.Name, "ip", ip)
		return ip, nil
	}

	err := &ResolutionError{Failures: failures}
	r.logger.Warn("payer address resolution failed", "error", err)
	return "", err
}

// DefaultStrategies returns the public lookup services followed by a scan
// of local interfaces.
func DefaultStrategies(client *http.Client) []AddressStrategy {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return []AddressStrategy{
		HTTPStrategy("ipify", "https://api.ipify.org?format=json", client, parseIpify),
		HTTPStrategy("icanhazip", "https://icanhazip.com", client, parsePlain),
		HTTPStrategy("ifconfig.me", "https://ifconfig.me/ip", client, parsePlain),
		InterfaceStrategy(),
	}
}

// HTTPStrategy fetches url and extracts the address from the body.
func HTTPStrategy(name, url string, client *http.Client, parse func([]byte) (string, error)) AddressStrategy {
	return AddressStrategy{
		Name: name,
		Detect: func(ctx context.Context) (string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err != nil {
				return "", err
			}
			return parse(body)
		},
	}
}

func parseIpify(body []byte) (string, error) {
	var v struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if v.IP == "" {
		return "", errors.New("empty ip field")
	}
	return v.IP, nil
}

func parsePlain(body []byte) (string, error) {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "", errors.New("empty body")
	}
	return s, nil
}

// interfaceAddrs is overridable for tests.
var interfaceAddrs = net.InterfaceAddrs

// InterfaceStrategy picks the first global unicast address bound to a
// local interface.
func InterfaceStrategy() AddressStrategy {
	return AddressStrategy{
		Name: "interfaces",
		Detect: func(context.Context) (string, error) {
			addrs, err := interfaceAddrs()
			if err != nil {
				return "", err
			}
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok || !ipnet.IP.IsGlobalUnicast() || ipnet.IP.IsPrivate() {
					continue
				}
				return ipnet.IP.String(), nil
			}
			return "", errors.New("no public interface address")
		},
	}
}
