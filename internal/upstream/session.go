package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"
)

// SessionCookie is the cookie the landing page is expected to set.
const SessionCookie = "JSESSIONID"

const (
	htmlAccept     = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	apiAccept      = "application/json, text/plain, */*"
	defaultLangHdr = "it-IT,it;q=0.9,en-US;q=0.8,en;q=0.7"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	BaseURL    string
	Timeout    time.Duration
	Identities []Identity
	Proxies    ProxyProvider
}

// Session owns the cookie jar, proxy and browser identity used against the
// ticketing service. Rebuilds hold the write lock, so no request starts
// until a refresh has finished.
type Session struct {
	base       *url.URL
	timeout    time.Duration
	identities []Identity
	proxies    ProxyProvider

	mu          sync.RWMutex
	client      *http.Client
	proxy       *url.URL
	initialized bool
	refreshes   int

	idMu     sync.Mutex
	identity Identity
}

// NewSession builds a session with a fresh jar, a proxy from the pool and
// a random identity. It does not contact the service; the landing page is
// fetched lazily before the first request.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", opts.BaseURL)
	}
	ids := opts.Identities
	if len(ids) == 0 {
		if ids, err = LoadIdentityPool(""); err != nil {
			return nil, err
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &Session{
		base:       base,
		timeout:    timeout,
		identities: ids,
		proxies:    opts.Proxies,
	}
	if err := s.rebuildLocked(ctx); err != nil {
		return nil, err
	}
	s.SelectIdentity()
	return s, nil
}

// BaseURL is the service root.
func (s *Session) BaseURL() *url.URL {
	u := *s.base
	return &u
}

// SelectIdentity picks a new browser identity at random and returns it.
func (s *Session) SelectIdentity() Identity {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.identity = s.identities[rand.IntN(len(s.identities))]
	return s.identity
}

// Identity returns the identity currently in use.
func (s *Session) Identity() Identity {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.identity
}

// Initialize fetches the landing page to obtain a session cookie. A missing
// cookie or a failed request is logged and otherwise ignored.
func (s *Session) Initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializeLocked(ctx)
}

// Refresh discards all cookies, picks a new proxy and identity, and
// initializes again. It is safe to call repeatedly.
func (s *Session) Refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Info("Refreshing upstream session", "refreshes", s.refreshes+1)
	if err := s.rebuildLocked(ctx); err != nil {
		slog.Warn("Session rebuild failed, keeping previous client", "error", err)
	}
	s.SelectIdentity()
	s.refreshes++
	s.initializeLocked(ctx)
}

// HasSessionCookie reports whether the jar holds the session cookie.
func (s *Session) HasSessionCookie() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasCookieLocked()
}

// Refreshes counts completed Refresh calls.
func (s *Session) Refreshes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes
}

// Proxy returns the redacted proxy in use, or "" for a direct connection.
func (s *Session) Proxy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proxy == nil {
		return ""
	}
	return s.proxy.Redacted()
}

// Do sends an API request with the current identity and cookies. If the
// session cookie is missing the landing page is fetched first.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	if !s.initialized || !s.hasCookieLocked() {
		s.initializeLocked(req.Context())
	}
	client := s.client
	s.mu.Unlock()

	s.Identity().Apply(req.Header)
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", defaultLangHdr)
	}
	req.Header.Set("Accept", apiAccept)
	req.Header.Set("Referer", s.base.String()+"/")
	req.Header.Set("Origin", s.base.String())
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	return client.Do(req)
}

func (s *Session) rebuildLocked(ctx context.Context) error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("creating cookie jar: %w", err)
	}

	var proxy *url.URL
	if s.proxies != nil {
		p, err := s.proxies.Next(ctx)
		if err != nil {
			slog.Warn("No proxy available, using direct connection", "error", err)
		} else {
			proxy = p
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}

	s.client = &http.Client{Timeout: s.timeout, Jar: jar, Transport: transport}
	s.proxy = proxy
	s.initialized = false
	if proxy != nil {
		slog.Info("Upstream session using proxy", "proxy", proxy.Redacted())
	}
	return nil
}

func (s *Session) initializeLocked(ctx context.Context) {
	s.initialized = true

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.JoinPath("home").String(), http.NoBody)
	if err != nil {
		slog.Warn("Failed to build landing page request", "error", err)
		return
	}
	s.Identity().Apply(req.Header)
	req.Header.Set("Accept", htmlAccept)

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("Landing page request failed, continuing without session cookie", "error", err)
		return
	}
	defer resp.Body.Close()

	if doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 2<<20)); err == nil {
		title := strings.TrimSpace(doc.Find("title").First().Text())
		if isWaitingRoom(doc) {
			slog.Warn("Landing page looks like a waiting room", "title", title)
		} else {
			slog.Debug("Landing page loaded", "title", title, "status", resp.StatusCode)
		}
	}

	if s.hasCookieLocked() {
		slog.Info("Upstream session initialized", "status", resp.StatusCode)
	} else {
		slog.Warn("Session cookie not received, continuing optimistically", "cookie", SessionCookie, "status", resp.StatusCode)
	}
}

func (s *Session) hasCookieLocked() bool {
	for _, c := range s.client.Jar.Cookies(s.base) {
		if c.Name == SessionCookie && c.Value != "" {
			return true
		}
	}
	return false
}

func isWaitingRoom(doc *goquery.Document) bool {
	if doc.Find(`script[src*="queue-it"], #queue-it_log, #lbHeaderH2`).Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").First().Text())
	return strings.Contains(title, "queue") || strings.Contains(title, "waiting room")
}
