// Package connectivity verifies that the execution environment is healthy
// enough to trust a strategy signal: the exchange still honours the account
// configuration, and the machine's public network identity has not shifted
// under it. All failures collapse into a boolean health signal plus an
// alert; transient connectivity loss must never crash the scheduler.
package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"autotrader/internal/alertlog"
	"autotrader/internal/exchange"
	"autotrader/internal/model"
)

const defaultIPLookupURL = "https://api.ipify.org?format=json"

// IPStore persists the last-known public IP across restarts. Optional.
type IPStore interface {
	SetPublicIP(ctx context.Context, ip string)
	PublicIP(ctx context.Context) string
}

// Config configures the monitor.
type Config struct {
	Symbol     string
	Leverage   int
	MarginType string

	// RetryDelay is the sleep between attempts while asserting the initial
	// account configuration. Default 30s.
	RetryDelay time.Duration

	// IPLookupURL overrides the public IP lookup endpoint (tests).
	IPLookupURL string
}

// Monitor runs the trailing exchange/identity health checks.
type Monitor struct {
	cfg    Config
	client exchange.Client
	httpc  *http.Client
	alerts *alertlog.Logger
	store  IPStore

	// OnIPChange, when set, is called after an identity change is observed.
	OnIPChange func(prev, current string)

	mu        sync.Mutex
	lastIP    string
	reachable bool
	checkedAt time.Time
}

// New creates a Monitor. store may be nil.
func New(cfg Config, client exchange.Client, alerts *alertlog.Logger, store IPStore) *Monitor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.IPLookupURL == "" {
		cfg.IPLookupURL = defaultIPLookupURL
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		alerts: alerts,
		store:  store,
	}
}

// Bootstrap records the starting public identity, preferring the persisted
// value when the lookup fails.
func (m *Monitor) Bootstrap(ctx context.Context) {
	ip, err := m.PublicIP(ctx)
	if err != nil && m.store != nil {
		ip = m.store.PublicIP(ctx)
	}
	m.mu.Lock()
	m.lastIP = ip
	m.mu.Unlock()
}

// EnsureConfigured asserts leverage and margin type against the exchange,
// retrying the leverage call on API client errors until it succeeds or ctx
// is cancelled. A margin-type conflict (already set) is not an error.
func (m *Monitor) EnsureConfigured(ctx context.Context) error {
	for {
		err := m.client.ChangeLeverage(ctx, m.cfg.Symbol, m.cfg.Leverage)
		if err == nil {
			break
		}
		if !exchange.IsClientError(err) {
			return fmt.Errorf("ensure configured: %w", err)
		}
		m.alerts.Alert(fmt.Sprintf("connection or timestamp error asserting leverage, current IP: %s", m.snapshotIP()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RetryDelay):
		}
	}

	if err := m.client.ChangeMarginType(ctx, m.cfg.Symbol, m.cfg.MarginType); err != nil {
		// Already holding the requested margin type is a no-op, not a fault.
		// Any other rejection means the account is misconfigured.
		if exchange.ErrorCode(err) != exchange.CodeMarginTypeUnchanged {
			return fmt.Errorf("ensure configured: %w", err)
		}
	}
	return nil
}

// CheckExchange re-asserts the leverage configuration. Success implies both
// connectivity and that the prior configuration still holds.
func (m *Monitor) CheckExchange(ctx context.Context) bool {
	if _, err := m.client.ServerTime(ctx); err != nil {
		m.alerts.Alert(fmt.Sprintf("error in the connection to the exchange: %v", err))
		return false
	}
	if err := m.client.ChangeLeverage(ctx, m.cfg.Symbol, m.cfg.Leverage); err != nil {
		m.alerts.Alert(fmt.Sprintf("error in the futures connection: %v", err))
		return false
	}
	return true
}

// PublicIP queries the external IP-lookup service. On failure it returns an
// error and the stored identity is left untouched.
func (m *Monitor) PublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.IPLookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("public ip: %w", err)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("public ip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("public ip: decode: %w", err)
	}
	return body.IP, nil
}

// CheckConnection runs both checks and returns the exchange-reachability
// result. An identity change emits an alert and updates the stored value.
// Never returns an error: transport failures are health state, not faults.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	reachable := m.CheckExchange(ctx)
	if !reachable {
		m.alerts.Alert("connection to the exchange lost")
	}

	if ip, err := m.PublicIP(ctx); err != nil {
		m.alerts.Alert(fmt.Sprintf("error getting public IP: %v", err))
	} else if ip != "" {
		m.mu.Lock()
		prev := m.lastIP
		m.lastIP = ip
		m.mu.Unlock()
		if prev != "" && prev != ip {
			m.alerts.Alert(fmt.Sprintf("public IP has changed: %s -> %s", prev, ip))
			if m.OnIPChange != nil {
				m.OnIPChange(prev, ip)
			}
		}
		if m.store != nil && prev != ip {
			m.store.SetPublicIP(ctx, ip)
		}
	}

	m.mu.Lock()
	m.reachable = reachable
	m.checkedAt = time.Now()
	m.mu.Unlock()
	return reachable
}

// Health returns the last-known connection state.
func (m *Monitor) Health() model.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.ConnectionHealth{
		PublicIP:      m.lastIP,
		Reachable:     m.reachable,
		LastCheckedAt: m.checkedAt,
	}
}

func (m *Monitor) snapshotIP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastIP == "" {
		return "unknown"
	}
	return m.lastIP
}
