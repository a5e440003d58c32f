package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"
)

const defaultWebshareURL = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=100"

// ErrNoProxies is returned when a pool has nothing to hand out.
var ErrNoProxies = errors.New("no proxies available")

// ProxyProvider hands out the proxy for a new session.
type ProxyProvider interface {
	Next(ctx context.Context) (*url.URL, error)
}

// rotation picks entries round-robin or at random.
type rotation struct {
	mu      sync.Mutex
	proxies []*url.URL
	idx     int
	random  bool
}

func (r *rotation) next() (*url.URL, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return nil, ErrNoProxies
	}
	if r.random {
		return r.proxies[rand.IntN(len(r.proxies))], nil
	}
	p := r.proxies[r.idx%len(r.proxies)]
	r.idx = (r.idx + 1) % len(r.proxies)
	return p, nil
}

func (r *rotation) set(proxies []*url.URL) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxies = proxies
	r.idx = 0
}

func (r *rotation) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// StaticPool rotates through a fixed proxy list.
type StaticPool struct {
	rot rotation
}

// NewStaticPool parses raw proxy URLs. mode is "round_robin" or "random".
func NewStaticPool(raw []string, mode string) (*StaticPool, error) {
	proxies := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", redactProxy(r))
		}
		proxies = append(proxies, u)
	}
	return &StaticPool{rot: rotation{proxies: proxies, random: mode == "random"}}, nil
}

// Next returns the next proxy in rotation.
func (p *StaticPool) Next(_ context.Context) (*url.URL, error) {
	return p.rot.next()
}

// WebsharePool loads proxies from the Webshare list API on first use.
type WebsharePool struct {
	apiKey   string
	endpoint string
	client   *http.Client
	attempts uint
	delay    time.Duration

	fetchMu sync.Mutex
	rot     rotation
}

// NewWebsharePool creates a pool backed by the Webshare API.
func NewWebsharePool(apiKey, mode string) *WebsharePool {
	return &WebsharePool{
		apiKey:   apiKey,
		endpoint: defaultWebshareURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 3,
		delay:    time.Second,
		rot:      rotation{random: mode == "random"},
	}
}

// Next returns the next proxy, loading the list on first use.
func (p *WebsharePool) Next(ctx context.Context) (*url.URL, error) {
	if p.rot.len() == 0 {
		if err := p.Fetch(ctx); err != nil {
			return nil, err
		}
	}
	return p.rot.next()
}

// Fetch replaces the pool with the current proxy list.
func (p *WebsharePool) Fetch(ctx context.Context) error {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Token "+p.apiKey)

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(fmt.Errorf("webshare rejected API key: status %d", resp.StatusCode))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("webshare returned status %d", resp.StatusCode)
			}
			body = data
			return nil
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying Webshare proxy fetch", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("fetching webshare proxies: %w", err)
	}

	proxies := parseWebshareProxies(body)
	if len(proxies) == 0 {
		return ErrNoProxies
	}
	p.rot.set(proxies)
	slog.Info("Loaded Webshare proxies", "count", len(proxies))
	return nil
}

func parseWebshareProxies(body []byte) []*url.URL {
	var proxies []*url.URL
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		addr := r.Get("proxy_address").String()
		port := r.Get("port").Int()
		if addr == "" || port == 0 {
			return true
		}
		proxies = append(proxies, &url.URL{
			Scheme: "http",
			User:   url.UserPassword(r.Get("username").String(), r.Get("password").String()),
			Host:   net.JoinHostPort(addr, strconv.FormatInt(port, 10)),
		})
		return true
	})
	return proxies
}

// redactProxy strips credentials from a proxy URL for logging.
func redactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
