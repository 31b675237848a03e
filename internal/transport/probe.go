package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HealthPath is probed to decide whether the backend is reachable.
const HealthPath = "/healthz"

// Prober checks backend health.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber issues GET BaseURL+HealthPath.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProber returns a prober with a short timeout.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

// Probe reports whether the health endpoint answered 2xx.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// StaticProber always returns its value. Useful when no backend is
// configured and in tests.
type StaticProber bool

// Probe returns p.
func (p StaticProber) Probe(context.Context) bool { return bool(p) }

// Monitor tracks connectivity. OnOnline runs after every offline to online
// transition; that is the reconnect trigger for the sync queue.
type Monitor struct {
	prober   Prober
	online   atomic.Bool
	onOnline func(ctx context.Context)
	logger   *slog.Logger
}

// NewMonitor returns a monitor that starts offline.
func NewMonitor(p Prober, onOnline func(ctx context.Context), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{prober: p, onOnline: onOnline, logger: logger}
}

// Online reports the last observed connectivity.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check probes once and returns the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.prober.Probe(ctx)
	m.Set(ctx, up)
	return up
}

// Set records a connectivity observation, e.g. from a platform signal.
func (m *Monitor) Set(ctx context.Context, up bool) {
	was := m.online.Swap(up)
	if was == up {
		return
	}
	if up {
		m.logger.Info("backend reachable")
		if m.onOnline != nil {
			m.onOnline(ctx)
		}
		return
	}
	m.logger.Warn("backend unreachable")
}
