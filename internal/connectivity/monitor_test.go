package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"autotrader/internal/alertlog"
	"autotrader/internal/exchange"
)

// fakeClient implements the calls the monitor makes; everything else panics
// via the embedded nil interface.
type fakeClient struct {
	exchange.Client
	timeErr     error
	leverageErr error
	marginErr   error
}

func (f *fakeClient) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), f.timeErr
}

func (f *fakeClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	return f.leverageErr
}

func (f *fakeClient) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	return f.marginErr
}

func ipServer(ips ...string) *httptest.Server {
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ips[i]
		if i < len(ips)-1 {
			i++
		}
		if ip == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ip":"` + ip + `"}`))
	}))
}

func newMonitor(t *testing.T, client exchange.Client, url string) (*Monitor, *alertlog.Logger) {
	t.Helper()
	alerts := alertlog.New(20)
	m := New(Config{
		Symbol:      "BTCUSDT",
		Leverage:    3,
		MarginType:  "ISOLATED",
		RetryDelay:  time.Millisecond,
		IPLookupURL: url,
	}, client, alerts, nil)
	return m, alerts
}

func hasAlert(alerts *alertlog.Logger, substr string) bool {
	for _, rec := range alerts.History() {
		if rec.Alert && strings.Contains(rec.Message, substr) {
			return true
		}
	}
	return false
}

func TestEnsureConfigured_MarginConflictTolerated(t *testing.T) {
	srv := ipServer("1.2.3.4")
	defer srv.Close()

	client := &fakeClient{marginErr: &common.APIError{Code: exchange.CodeMarginTypeUnchanged, Message: "No need to change margin type."}}
	m, _ := newMonitor(t, client, srv.URL)

	if err := m.EnsureConfigured(context.Background()); err != nil {
		t.Errorf("margin-type conflict must not fail configuration: %v", err)
	}
}

func TestEnsureConfigured_OtherMarginRejectionSurfaces(t *testing.T) {
	srv := ipServer("1.2.3.4")
	defer srv.Close()

	// Only the "no need to change" code is a no-op; any other rejection
	// means the account is misconfigured and must stop startup.
	client := &fakeClient{marginErr: &common.APIError{Code: -4047, Message: "Margin type cannot be changed if there exists open orders."}}
	m, _ := newMonitor(t, client, srv.URL)

	if err := m.EnsureConfigured(context.Background()); err == nil {
		t.Error("a margin-type rejection other than a no-op must surface")
	}
}

func TestEnsureConfigured_TransportErrorSurfaces(t *testing.T) {
	srv := ipServer("1.2.3.4")
	defer srv.Close()

	client := &fakeClient{leverageErr: errors.New("dial tcp: timeout")}
	m, _ := newMonitor(t, client, srv.URL)

	if err := m.EnsureConfigured(context.Background()); err == nil {
		t.Error("transport failure should surface from EnsureConfigured")
	}
}

func TestCheckConnection_IPChangeAlerts(t *testing.T) {
	srv := ipServer("1.2.3.4", "5.6.7.8")
	defer srv.Close()

	m, alerts := newMonitor(t, &fakeClient{}, srv.URL)
	m.Bootstrap(context.Background())

	if !m.CheckConnection(context.Background()) {
		t.Fatal("healthy exchange should report reachable")
	}
	if !hasAlert(alerts, "public IP has changed") {
		t.Error("expected an IP-change alert")
	}
	if got := m.Health().PublicIP; got != "5.6.7.8" {
		t.Errorf("stored identity should update, got %q", got)
	}
}

func TestCheckConnection_LookupFailureKeepsIdentity(t *testing.T) {
	srv := ipServer("1.2.3.4", "")
	defer srv.Close()

	m, _ := newMonitor(t, &fakeClient{}, srv.URL)
	m.Bootstrap(context.Background())

	m.CheckConnection(context.Background())
	if got := m.Health().PublicIP; got != "1.2.3.4" {
		t.Errorf("failed lookup must not alter known identity, got %q", got)
	}
}

func TestCheckConnection_ExchangeFailureIsBoolean(t *testing.T) {
	srv := ipServer("1.2.3.4")
	defer srv.Close()

	client := &fakeClient{leverageErr: errors.New("boom")}
	m, alerts := newMonitor(t, client, srv.URL)
	m.Bootstrap(context.Background())

	if m.CheckConnection(context.Background()) {
		t.Error("exchange failure must gate the run")
	}
	if !hasAlert(alerts, "connection to the exchange lost") {
		t.Error("expected a connection-lost alert")
	}
	if m.Health().Reachable {
		t.Error("health snapshot should record unreachable")
	}
}
