package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/util"
)

// maxSearchRetries bounds retries after a session refresh.
const maxSearchRetries = 1

// StatusError is returned when the service answers with a non-200 status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// IsServerError reports whether the status indicates an invalidated session.
func (e *StatusError) IsServerError() bool {
	return e.StatusCode == http.StatusInternalServerError
}

// ClientOptions configures a Client.
type ClientOptions struct {
	SearchDelay Jitter
	RetryDelay  Jitter
	DenyList    []string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Client talks to the calendar and search endpoints through a Session.
type Client struct {
	session     *Session
	searchDelay Jitter
	retryDelay  Jitter
	denyList    []string
	now         func() time.Time
}

// NewClient builds a search client on top of an established session.
func NewClient(session *Session, opts ClientOptions) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		session:     session,
		searchDelay: opts.SearchDelay,
		retryDelay:  opts.RetryDelay,
		denyList:    opts.DenyList,
		now:         now,
	}
}

// Session exposes the underlying session.
func (c *Client) Session() *Session {
	return c.session
}

// BookingURL is the public booking page for a visit tag.
func (c *Client) BookingURL(tag string) string {
	return c.session.BaseURL().JoinPath("home", "calendar", "visit", tag).String()
}

// GetOpenDates returns calendar dates flagged open that are today or later,
// in upstream order.
func (c *Client) GetOpenDates(ctx context.Context, q models.SearchQuery) ([]string, error) {
	c.session.SelectIdentity()

	params := url.Values{}
	params.Set("lang", q.Lang)
	params.Set("tag", q.Tag)
	params.Set("whoId", q.WhoID)
	params.Set("visitorNum", strconv.Itoa(q.VisitorNum))

	body, err := c.get(ctx, "search/calendar", params)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("calendar response is not valid JSON")
	}

	y, m, d := c.now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	var dates []string
	gjson.GetBytes(body, "calendar").ForEach(func(_, day gjson.Result) bool {
		if day.Get("state").Int() != 1 {
			return true
		}
		raw := day.Get("date").String()
		t, err := models.ParseVisitDate(raw)
		if err != nil {
			slog.Warn("Skipping malformed calendar date", "date", raw)
			return true
		}
		if !t.Before(today) {
			dates = append(dates, raw)
		}
		return true
	})
	return dates, nil
}

// SearchAvailability returns every product listed for date. A 500 or a
// network failure refreshes the session and retries once; a second
// failure is returned.
func (c *Client) SearchAvailability(ctx context.Context, date string, q models.SearchQuery) ([]models.Product, error) {
	if err := c.searchDelay.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("lang", q.Lang)
	params.Set("visitorNum", strconv.Itoa(q.VisitorNum))
	params.Set("visitDate", date)
	params.Set("page", "0")
	params.Set("tag", q.Tag)
	params.Set("who", "")

	var lastErr error
	for attempt := 0; attempt <= maxSearchRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Search failed, refreshing session before retry", "date", date, "error", lastErr)
			c.session.Refresh(ctx)
			if err := c.retryDelay.Wait(ctx); err != nil {
				return nil, err
			}
		}
		c.session.SelectIdentity()

		body, err := c.get(ctx, "search/resultPerTag", params)
		if err == nil {
			return parseProducts(body, date)
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("searching availability for %s: %w", date, lastErr)
}

// GetAvailableProducts searches date and keeps bookable products that pass
// the deny-list and the optional name filter.
func (c *Client) GetAvailableProducts(ctx context.Context, date string, q models.SearchQuery, filter string) ([]models.Product, error) {
	products, err := c.SearchAvailability(ctx, date, q)
	if err != nil {
		return nil, err
	}
	return FilterProducts(products, c.denyList, filter), nil
}

// FilterProducts applies, in order, the availability state check, the
// deny-list and the allow filter. Name matching ignores case.
func FilterProducts(products []models.Product, denyList []string, filter string) []models.Product {
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if !p.Availability.Actionable() {
			continue
		}
		if !MatchProduct(p.Name, denyList, filter) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MatchProduct reports whether name passes the deny-list and filter.
func MatchProduct(name string, denyList []string, filter string) bool {
	if util.ContainsAnyFold(name, denyList) {
		return false
	}
	return filter == "" || util.ContainsFold(name, filter)
}

// DenyList returns the configured exclusion list.
func (c *Client) DenyList() []string {
	return c.denyList
}

// VisitorType is one entry of the search filter's visitor categories.
type VisitorType struct {
	ID    string `json:"id"`
	Descr string `json:"descr"`
}

// FilterInfo describes the search options the service offers for a tag.
type FilterInfo struct {
	Who       []VisitorType   `json:"who"`
	DateRange json.RawMessage `json:"date_range,omitempty"`
}

// GetFilterInfo fetches visitor categories and the bookable date range.
func (c *Client) GetFilterInfo(ctx context.Context, q models.SearchQuery) (*FilterInfo, error) {
	c.session.SelectIdentity()

	params := url.Values{}
	params.Set("lang", q.Lang)
	params.Set("tag", q.Tag)

	body, err := c.get(ctx, "search/filter", params)
	if err != nil {
		return nil, fmt.Errorf("fetching filter info: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("filter response is not valid JSON")
	}

	info := &FilterInfo{Who: []VisitorType{}}
	gjson.GetBytes(body, "who").ForEach(func(_, w gjson.Result) bool {
		info.Who = append(info.Who, VisitorType{ID: w.Get("id").String(), Descr: w.Get("descr").String()})
		return true
	})
	if dr := gjson.GetBytes(body, "dateRange"); dr.Exists() {
		info.DateRange = json.RawMessage(dr.Raw)
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.session.BaseURL().JoinPath("api", endpoint)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	slog.Debug("Upstream request completed",
		"endpoint", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", endpoint, err)
	}
	return body, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsServerError()
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func parseProducts(body []byte, date string) ([]models.Product, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("search response for %s is not valid JSON", date)
	}
	visits := gjson.GetBytes(body, "visits")
	if !visits.IsArray() {
		slog.Warn("Search response has no visits list", "date", date)
		return []models.Product{}, nil
	}

	products := make([]models.Product, 0, len(visits.Array()))
	visits.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id")
		if id.Type != gjson.Number {
			slog.Warn("Skipping product without numeric id", "date", date, "record", truncateRaw(v.Raw))
			return true
		}
		products = append(products, models.Product{
			ID:           int(id.Int()),
			Name:         v.Get("name").String(),
			Availability: models.AvailabilityState(v.Get("availability").String()),
		})
		return true
	})
	return products, nil
}

func truncateRaw(raw string) string {
	return util.Truncate(raw, 200)
}
