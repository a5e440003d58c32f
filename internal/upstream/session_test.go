package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSession_InitializeAcquiresCookie(t *testing.T) {
	f, srv := newFakeUpstream(t)
	s, err := NewSession(context.Background(), SessionOptions{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if f.stats().landing != 0 {
		t.Fatal("NewSession must not contact the service")
	}

	s.Initialize(context.Background())
	if !s.HasSessionCookie() {
		t.Error("expected session cookie after Initialize")
	}
	if f.stats().landing != 1 {
		t.Errorf("expected 1 landing visit, got %d", f.stats().landing)
	}
}

func TestSession_MissingCookieReinitializesBeforeRequest(t *testing.T) {
	f, srv := newFakeUpstream(t)
	f.mu.Lock()
	f.setCookie = false
	f.calendar = `{"calendar":[]}`
	f.mu.Unlock()
	c := newTestClient(t, srv.URL, time.Now())

	for i := 0; i < 2; i++ {
		if _, err := c.GetOpenDates(context.Background(), testQuery); err != nil {
			t.Fatalf("GetOpenDates: %v", err)
		}
	}
	if c.Session().HasSessionCookie() {
		t.Error("no cookie should be present")
	}
	if got := f.stats().landing; got != 2 {
		t.Errorf("expected a landing visit before each request, got %d", got)
	}
}

func TestSession_InitializeToleratesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewSession(context.Background(), SessionOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Initialize(context.Background())
	if s.HasSessionCookie() {
		t.Error("unexpected session cookie")
	}
}

func TestSession_RefreshRotatesProxyAndClearsCookies(t *testing.T) {
	_, srv := newFakeUpstream(t)
	pool, err := NewStaticPool([]string{"http://127.0.0.1:9", "http://127.0.0.2:9"}, "round_robin")
	if err != nil {
		t.Fatalf("NewStaticPool: %v", err)
	}
	s, err := NewSession(context.Background(), SessionOptions{BaseURL: srv.URL, Timeout: 2 * time.Second, Proxies: pool})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	first := s.Proxy()
	if first != "http://127.0.0.1:9" {
		t.Fatalf("expected first proxy, got %q", first)
	}

	// The proxies are unreachable, so the landing page never sets a cookie.
	s.Refresh(context.Background())
	if got := s.Proxy(); got != "http://127.0.0.2:9" {
		t.Errorf("expected rotated proxy, got %q", got)
	}
	if s.HasSessionCookie() {
		t.Error("refresh should discard cookies")
	}
	if s.Refreshes() != 1 {
		t.Errorf("expected 1 refresh, got %d", s.Refreshes())
	}
}

func TestSession_ProxyFailureFallsBackToDirect(t *testing.T) {
	_, srv := newFakeUpstream(t)
	empty, _ := NewStaticPool(nil, "random")

	s, err := NewSession(context.Background(), SessionOptions{BaseURL: srv.URL, Proxies: empty})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Proxy() != "" {
		t.Errorf("expected direct connection, got %q", s.Proxy())
	}
	s.Initialize(context.Background())
	if !s.HasSessionCookie() {
		t.Error("direct connection should still reach the service")
	}
}

func TestNewSession_InvalidBaseURL(t *testing.T) {
	if _, err := NewSession(context.Background(), SessionOptions{BaseURL: "not a url"}); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

func TestJitter(t *testing.T) {
	var zero Jitter
	if d := zero.Duration(); d != 0 {
		t.Errorf("zero Jitter duration = %v", d)
	}

	j := Jitter{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 50; i++ {
		if d := j.Duration(); d < j.Min || d > j.Max {
			t.Fatalf("duration %v outside [%v, %v]", d, j.Min, j.Max)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Jitter{Min: time.Hour, Max: time.Hour}).Wait(ctx); err == nil {
		t.Error("Wait should return the context error when cancelled")
	}
}
