// Package server exposes the monitor's status and control endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/monitor"
	"github.com/pauljones0/ticket-monitor/internal/upstream"
	"github.com/pauljones0/ticket-monitor/internal/validator"
)

// backgroundCheckTimeout bounds a check started from the API.
const backgroundCheckTimeout = 10 * time.Minute

// Monitor is the part of the engine the API drives.
type Monitor interface {
	Status() models.Status
	Running() bool
	Options() monitor.Options
	CheckCycle(ctx context.Context) (*models.CycleResult, error)
	ClearAlerts(ctx context.Context) error
	Start(ctx context.Context) bool
	Stop() bool
}

// Calendar answers read-only upstream lookups. It must not share a session
// with the engine.
type Calendar interface {
	GetOpenDates(ctx context.Context, q models.SearchQuery) ([]string, error)
	GetFilterInfo(ctx context.Context, q models.SearchQuery) (*upstream.FilterInfo, error)
}

// Handler serves the HTTP API.
type Handler struct {
	// base outlives requests; scheduler and background checks derive from it.
	base      context.Context
	mon       Monitor
	dates     monitor.DateStore
	calendar  Calendar
	validator *validator.Validator
	checkRate *rate.Limiter
}

// NewHandler builds a Handler. checksPerMinute throttles /api/check-now.
func NewHandler(base context.Context, mon Monitor, dates monitor.DateStore, calendar Calendar, checksPerMinute int) *Handler {
	if checksPerMinute <= 0 {
		checksPerMinute = 1
	}
	return &Handler{
		base:      base,
		mon:       mon,
		dates:     dates,
		calendar:  calendar,
		validator: validator.New(),
		checkRate: rate.NewLimiter(rate.Every(time.Minute/time.Duration(checksPerMinute)), checksPerMinute),
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running         bool                `json:"running"`
	CheckCount      int64               `json:"check_count"`
	AlertsSent      int64               `json:"alerts_sent"`
	LastCheck       *time.Time          `json:"last_check"`
	LastResults     models.Availability `json:"last_results"`
	AlertedProducts int                 `json:"alerted_products_count"`
	TargetDates     []string            `json:"target_dates"`
	VisitTag        string              `json:"visit_tag"`
	VisitorNum      int                 `json:"visitor_num"`
	ProductFilter   string              `json:"product_filter"`
	IntervalSeconds int                 `json:"check_interval_seconds"`
}

type dateRequest struct {
	Date string `json:"date"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.mon.Status()
	opts := h.mon.Options()

	dates, err := h.dates.ListDates(r.Context())
	if err != nil {
		slog.Warn("Failed to list target dates for status", "error", err)
		dates = []string{}
	}

	resp := StatusResponse{
		Running:         h.mon.Running(),
		CheckCount:      st.CheckCount,
		AlertsSent:      st.AlertsSent,
		LastResults:     st.LastResults,
		AlertedProducts: st.AlertedCount,
		TargetDates:     dates,
		VisitTag:        opts.Query.Tag,
		VisitorNum:      opts.Query.VisitorNum,
		ProductFilter:   opts.ProductFilter,
		IntervalSeconds: int(opts.Interval.Seconds()),
	}
	if !st.LastCheck.IsZero() {
		resp.LastCheck = &st.LastCheck
	}
	if resp.LastResults == nil {
		resp.LastResults = models.Availability{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckNow handles POST /api/check-now. With ?wait=true the cycle runs
// in the request and its result is returned; otherwise it runs in the
// background and the call returns 202.
func (h *Handler) CheckNow(w http.ResponseWriter, r *http.Request) {
	if !h.checkRate.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many manual checks, try again later")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		res, err := h.mon.CheckCycle(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Panic in manual check", "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(h.base, backgroundCheckTimeout)
		defer cancel()
		if _, err := h.mon.CheckCycle(ctx); err != nil {
			slog.Error("Manual check failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "check started"})
}

// ClearAlerts handles POST /api/clear-alerts.
func (h *Handler) ClearAlerts(w http.ResponseWriter, r *http.Request) {
	if err := h.mon.ClearAlerts(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alerts cleared"})
}

// Start handles POST /api/start.
func (h *Handler) Start(w http.ResponseWriter, _ *http.Request) {
	if !h.mon.Start(h.base) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// Stop handles POST /api/stop.
func (h *Handler) Stop(w http.ResponseWriter, _ *http.Request) {
	if !h.mon.Stop() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ListDates handles GET /api/dates.
func (h *Handler) ListDates(w http.ResponseWriter, r *http.Request) {
	dates, err := h.dates.ListDates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"dates": dates})
}

// AddDate handles POST /api/dates.
func (h *Handler) AddDate(w http.ResponseWriter, r *http.Request) {
	var req dateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.ValidateTargetDate(req.Date); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.dates.AddDate(r.Context(), req.Date); err != nil {
		h.writeDateError(w, err)
		return
	}
	slog.Info("Target date added", "date", req.Date)
	writeJSON(w, http.StatusCreated, dateRequest{Date: req.Date})
}

// RemoveDate handles DELETE /api/dates?date=DD/MM/YYYY.
func (h *Handler) RemoveDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "date query parameter is required")
		return
	}
	if err := h.dates.RemoveDate(r.Context(), date); err != nil {
		h.writeDateError(w, err)
		return
	}
	slog.Info("Target date removed", "date", date)
	w.WriteHeader(http.StatusNoContent)
}

// Calendar handles GET /api/calendar.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	dates, err := h.calendar.GetOpenDates(r.Context(), h.mon.Options().Query)
	if err != nil {
		slog.Warn("Calendar lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream calendar unavailable")
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"open_dates": dates})
}

// Filter handles GET /api/filter.
func (h *Handler) Filter(w http.ResponseWriter, r *http.Request) {
	info, err := h.calendar.GetFilterInfo(r.Context(), h.mon.Options().Query)
	if err != nil {
		slog.Warn("Filter lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream filter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) writeDateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrDateExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrDateNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("Target date operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
