package models

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// VisitDateLayout is the upstream DD/MM/YYYY date format.
const VisitDateLayout = "02/01/2006"

var visitDatePattern = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

var (
	// ErrInvalidDate is returned when a target date is not in DD/MM/YYYY form.
	ErrInvalidDate = errors.New("invalid date format, expected DD/MM/YYYY")
	// ErrDateExists is returned when adding a target date that is already configured.
	ErrDateExists = errors.New("target date already exists")
	// ErrDateNotFound is returned when removing a target date that is not configured.
	ErrDateNotFound = errors.New("target date not found")
)

// AvailabilityState is the upstream product availability enum.
type AvailabilityState string

const (
	StateAvailable       AvailabilityState = "AVAILABLE"
	StateLowAvailability AvailabilityState = "LOW_AVAILABILITY"
	StateSoldOut         AvailabilityState = "SOLD_OUT"
	StateNotAllowed      AvailabilityState = "NOT_ALLOWED"
)

// Actionable reports whether a product in this state can be booked.
func (s AvailabilityState) Actionable() bool {
	return s == StateAvailable || s == StateLowAvailability
}

// Glyph is the marker used in notifications.
func (s AvailabilityState) Glyph() string {
	if s == StateAvailable {
		return "✅"
	}
	return "⚠️"
}

// Product is a bookable visit type returned by the search endpoint.
type Product struct {
	ID           int               `json:"id" firestore:"id"`
	Name         string            `json:"name" firestore:"name"`
	Availability AvailabilityState `json:"availability" firestore:"availability"`
}

// Availability maps a DD/MM/YYYY date to the products found for it.
type Availability map[string][]Product

// Dates returns the keys of a in chronological order. Keys that do not
// parse as visit dates sort last, lexically.
func (a Availability) Dates() []string {
	dates := make([]string, 0, len(a))
	for d := range a {
		dates = append(dates, d)
	}
	SortVisitDates(dates)
	return dates
}

// Count returns the total number of products across all dates.
func (a Availability) Count() int {
	n := 0
	for _, products := range a {
		n += len(products)
	}
	return n
}

// Clone returns a deep copy of a.
func (a Availability) Clone() Availability {
	if a == nil {
		return nil
	}
	out := make(Availability, len(a))
	for d, products := range a {
		out[d] = append([]Product(nil), products...)
	}
	return out
}

// SortVisitDates sorts DD/MM/YYYY strings chronologically in place.
func SortVisitDates(dates []string) {
	sort.SliceStable(dates, func(i, j int) bool {
		ti, errI := ParseVisitDate(dates[i])
		tj, errJ := ParseVisitDate(dates[j])
		switch {
		case errI == nil && errJ == nil:
			if ti.Equal(tj) {
				return dates[i] < dates[j]
			}
			return ti.Before(tj)
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return dates[i] < dates[j]
		}
	})
}

// ParseVisitDate parses a DD/MM/YYYY string as a calendar date in UTC.
func ParseVisitDate(s string) (time.Time, error) {
	if !visitDatePattern.MatchString(s) {
		return time.Time{}, ErrInvalidDate
	}
	t, err := time.Parse(VisitDateLayout, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// IsVisitDate reports whether s is a well-formed DD/MM/YYYY date.
func IsVisitDate(s string) bool {
	_, err := ParseVisitDate(s)
	return err == nil
}

// AlertKey identifies one (date, product) opportunity. The date is kept
// exactly as the caller supplied it.
type AlertKey string

// NewAlertKey builds the dedup key for a product on a date.
func NewAlertKey(date string, productID int) AlertKey {
	return AlertKey(date + "_" + strconv.Itoa(productID))
}

// TargetDate is a date the operator wants monitored.
type TargetDate struct {
	Date string `json:"date" validate:"required,visitdate"`
}

// SearchQuery holds the fixed parameters sent with every upstream call.
type SearchQuery struct {
	Tag        string
	WhoID      string
	VisitorNum int
	Lang       string
}

// Status is the engine's observable state.
type Status struct {
	CheckCount   int64        `json:"check_count" firestore:"checkCount"`
	AlertsSent   int64        `json:"alerts_sent" firestore:"alertsSent"`
	LastCheck    time.Time    `json:"last_check" firestore:"lastCheck"`
	LastResults  Availability `json:"last_results" firestore:"lastResults"`
	AlertedCount int          `json:"alerted_products_count" firestore:"-"`
}

// Clone returns a copy of s that shares no maps or slices with it.
func (s Status) Clone() Status {
	s.LastResults = s.LastResults.Clone()
	return s
}

// CycleResult describes the outcome of one check cycle.
type CycleResult struct {
	ID              string       `json:"id"`
	StartedAt       time.Time    `json:"started_at"`
	Dates           []string     `json:"dates"`
	FailedDates     []string     `json:"failed_dates,omitempty"`
	Results         Availability `json:"results"`
	NewAvailability Availability `json:"new_availability"`
	Notified        bool         `json:"notified"`
}
