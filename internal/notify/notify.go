// Package notify sends best-effort failure reports to a pool of relay hosts.
//
// A report names the failed account and the error. It never carries key
// material.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Defaults for RelayConfig.
const (
	DefaultRetries = 10
	DefaultDelay   = time.Second
	DefaultTimeout = 10 * time.Second
	DefaultPort    = 60000
	DefaultPath    = "/api"
	DefaultScheme  = "http"
	DefaultMarker  = "success"
)

// ErrEmptyRelayPool is a configuration error: there is nowhere to send reports.
var ErrEmptyRelayPool = errors.New("notify: relay pool is empty")

// Report describes one failed sweep.
type Report struct {
	Account common.Address
	Error   string
	RunID   string
}

// Query encodes the report as a URL query string.
func (r Report) Query() string {
	v := url.Values{}
	v.Set("address", r.Account.Hex())
	v.Set("error", r.Error)
	if r.RunID != "" {
		v.Set("run", r.RunID)
	}
	return v.Encode()
}

// Notifier delivers failure reports. Notify must not panic and reports
// delivery success only through its return value.
type Notifier interface {
	Notify(ctx context.Context, r Report) bool
}

// HTTPClient abstracts HTTP request execution for testing and custom transports.
// The standard *http.Client satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RelayConfig configures a RelayNotifier. Zero values take the defaults.
type RelayConfig struct {
	Pool    []string
	Scheme  string
	Port    int
	Path    string
	Marker  string
	Retries int
	Delay   time.Duration
	Timeout time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	// negative means no pause between attempts
	switch {
	case c.Delay == 0:
		c.Delay = DefaultDelay
	case c.Delay < 0:
		c.Delay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// RelayNotifier sends each report to a relay chosen at random per attempt.
// It is immutable after construction and safe for concurrent use.
type RelayNotifier struct {
	cfg    RelayConfig
	hosts  []string
	client HTTPClient
	log    zerolog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// Option customizes a RelayNotifier.
type Option func(*RelayNotifier)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPClient) Option { return func(n *RelayNotifier) { n.client = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(n *RelayNotifier) { n.log = l } }

// WithRand sets the relay selection source.
func WithRand(r *rand.Rand) Option { return func(n *RelayNotifier) { n.rand = r } }

// NewRelayNotifier validates the pool and builds a notifier.
func NewRelayNotifier(cfg RelayConfig, opts ...Option) (*RelayNotifier, error) {
	cfg = cfg.withDefaults()
	var hosts []string
	for _, h := range cfg.Pool {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		hosts = append(hosts, withPort(h, cfg.Port))
	}
	if len(hosts) == 0 {
		return nil, ErrEmptyRelayPool
	}
	switch cfg.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("notify: unsupported relay scheme %q", cfg.Scheme)
	}

	n := &RelayNotifier{
		cfg:    cfg,
		hosts:  hosts,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    zerolog.Nop(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

func withPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// Hosts returns the normalized relay pool.
func (n *RelayNotifier) Hosts() []string { return append([]string(nil), n.hosts...) }

// pick chooses uniformly over the whole pool.
func (n *RelayNotifier) pick() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[n.rand.Intn(len(n.hosts))]
}

// Notify tries up to Retries attempts with a fixed Delay between them.
func (n *RelayNotifier) Notify(ctx context.Context, r Report) bool {
	query := r.Query()
	for attempt := 1; attempt <= n.cfg.Retries; attempt++ {
		host := n.pick()
		body, err := n.send(ctx, host, query)
		switch {
		case err != nil:
			n.log.Error().Err(err).Int("attempt", attempt).Str("relay", host).Msg("notify request failed")
		case strings.Contains(body, n.cfg.Marker):
			n.log.Info().Str("account", r.Account.Hex()).Str("relay", host).Int("attempt", attempt).Msg("failure report delivered")
			return true
		default:
			n.log.Warn().Int("attempt", attempt).Str("relay", host).Str("response", truncate(body, 256)).Msg("notify attempt rejected")
		}

		if attempt == n.cfg.Retries {
			break
		}
		if !sleep(ctx, n.cfg.Delay) {
			n.log.Warn().Str("account", r.Account.Hex()).Msg("notify cancelled")
			return false
		}
	}
	n.log.Error().Str("account", r.Account.Hex()).Int("attempts", n.cfg.Retries).Msg("notify retries exhausted")
	return false
}

func (n *RelayNotifier) send(ctx context.Context, host, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	u := url.URL{Scheme: n.cfg.Scheme, Host: host, Path: n.cfg.Path, RawQuery: query}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("relay returned %d: %s", resp.StatusCode, truncate(string(b), 256))
	}
	return string(b), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Nop logs the failure locally and reports nothing.
type Nop struct {
	Log zerolog.Logger
}

// Notify implements Notifier.
func (n Nop) Notify(_ context.Context, r Report) bool {
	n.Log.Debug().Str("account", r.Account.Hex()).Msg("no relays configured, failure not reported")
	return false
}
