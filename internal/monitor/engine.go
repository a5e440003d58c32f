package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/notifier"
)

// defaultCycleTimeout bounds a single check cycle.
const defaultCycleTimeout = 10 * time.Minute

// Options holds the fixed search parameters and schedule.
type Options struct {
	Query           models.SearchQuery
	ProductFilter   string
	Interval        time.Duration
	SummaryInterval time.Duration
}

// Engine runs check cycles on a schedule and on demand. Only a running
// cycle writes alert state; readers use the published snapshot.
type Engine struct {
	fetcher  ProductFetcher
	store    AlertStore
	dates    DateStore
	notifier Notifier
	opts     Options
	now      func() time.Time

	cycleTimeout time.Duration

	group    singleflight.Group
	cycleMu  sync.Mutex
	inFlight atomic.Bool
	status   atomic.Pointer[models.Status]

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an engine and seeds its snapshot from the persisted status.
func New(ctx context.Context, fetcher ProductFetcher, store AlertStore, dates DateStore, n Notifier, opts Options) (*Engine, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("check interval must be positive")
	}
	status, err := store.LoadStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading persisted status: %w", err)
	}

	e := &Engine{
		fetcher:  fetcher,
		store:    store,
		dates:    dates,
		notifier: n,
		opts:     opts,
		now:      time.Now,

		cycleTimeout: defaultCycleTimeout,
	}
	e.status.Store(&status)
	return e, nil
}

// Options returns the engine's configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Status returns a copy of the snapshot published by the last completed cycle.
func (e *Engine) Status() models.Status {
	return e.status.Load().Clone()
}

// CheckCycle runs one check. Callers that arrive while a check is running
// share its result instead of starting another. The cycle does not inherit
// the caller's cancellation: when ctx ends, CheckCycle stops waiting and the
// cycle runs to completion under its own timeout.
func (e *Engine) CheckCycle(ctx context.Context) (*models.CycleResult, error) {
	ch := e.group.DoChan("check", func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in check cycle", "panic", r)
				err = fmt.Errorf("check cycle panicked: %v", r)
			}
		}()
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cycleTimeout)
		defer cancel()
		return e.runCycle(cycleCtx)
	})

	select {
	case <-ctx.Done():
		slog.Info("Stopped waiting for check cycle", "error", ctx.Err())
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			slog.Debug("Joined check cycle already in progress")
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*models.CycleResult), nil
	}
}

func (e *Engine) runCycle(ctx context.Context) (*models.CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.inFlight.Store(true)
	defer e.inFlight.Store(false)

	res := &models.CycleResult{
		ID:              uuid.NewString(),
		StartedAt:       e.now(),
		Results:         models.Availability{},
		NewAvailability: models.Availability{},
	}
	log := slog.With("cycle_id", res.ID)

	dates, err := e.dates.ListDates(ctx)
	if err != nil {
		log.Error("Failed to load target dates", "error", err)
		if e.notifier.IsConfigured() {
			e.notifier.SendErrorMessage(ctx, "No se pudieron cargar las fechas objetivo: "+err.Error())
		}
		return nil, fmt.Errorf("loading target dates: %w", err)
	}
	res.Dates = dates

	status := e.Status()
	status.LastCheck = res.StartedAt

	if len(dates) == 0 {
		log.Info("No target dates configured, skipping upstream")
		status.CheckCount++
		status.LastResults = models.Availability{}
		e.commit(ctx, log, status)
		return res, nil
	}

	log.Info("Starting check cycle", "dates", len(dates))
	for _, date := range dates {
		if ctx.Err() != nil {
			log.Warn("Check cycle cancelled", "error", ctx.Err())
			return nil, ctx.Err()
		}
		products, err := e.fetcher.GetAvailableProducts(ctx, date, e.opts.Query, e.opts.ProductFilter)
		if err != nil {
			log.Warn("Failed to fetch availability, skipping date", "date", date, "error", err)
			res.FailedDates = append(res.FailedDates, date)
			continue
		}
		if len(products) > 0 {
			res.Results[date] = products
		}
	}
	// A fetch cut short by cancellation looks like a failed date. Nothing
	// from a cut-short cycle is recorded or published.
	if ctx.Err() != nil {
		log.Warn("Check cycle cancelled after fetching", "error", ctx.Err())
		return nil, ctx.Err()
	}

	status.CheckCount++
	status.LastResults = res.Results.Clone()

	recorded := e.collectNew(ctx, log, res)

	if len(res.NewAvailability) > 0 {
		switch {
		case !recorded:
			log.Warn("Alert keys not recorded, holding notification until next cycle")
		case !e.notifier.IsConfigured():
			log.Info("New availability found but notifier is not configured", "products", res.NewAvailability.Count())
		case e.notifier.SendAvailabilityBatch(ctx, res.NewAvailability):
			status.AlertsSent++
			res.Notified = true
			log.Info("Availability alert sent", "products", res.NewAvailability.Count())
		default:
			log.Warn("Availability alert failed to send", "products", res.NewAvailability.Count())
		}
	}

	e.commit(ctx, log, status)
	log.Info("Check cycle finished",
		"dates_with_availability", len(res.Results),
		"new_products", res.NewAvailability.Count(),
		"failed_dates", len(res.FailedDates))
	return res, nil
}

// collectNew fills res.NewAvailability and records every examined key
// before any notification goes out. It reports whether recording succeeded.
func (e *Engine) collectNew(ctx context.Context, log *slog.Logger, res *models.CycleResult) bool {
	var examined []models.AlertKey
	seen := make(map[models.AlertKey]bool)

	for _, date := range res.Results.Dates() {
		for _, p := range res.Results[date] {
			key := models.NewAlertKey(date, p.ID)
			if seen[key] {
				continue
			}
			seen[key] = true

			alerted, err := e.store.AlreadyAlerted(ctx, key)
			if err != nil {
				log.Warn("Failed to check alert history, skipping product", "key", key, "error", err)
				continue
			}
			examined = append(examined, key)
			if !alerted {
				res.NewAvailability[date] = append(res.NewAvailability[date], p)
			}
		}
	}

	if len(examined) == 0 {
		return true
	}
	if err := e.store.RecordAlerted(ctx, examined...); err != nil {
		log.Error("Failed to record alerted products", "count", len(examined), "error", err)
		return false
	}
	return true
}

func (e *Engine) commit(ctx context.Context, log *slog.Logger, status models.Status) {
	if n, err := e.store.AlertedCount(ctx); err == nil {
		status.AlertedCount = n
	} else {
		log.Warn("Failed to count alerted products", "error", err)
	}
	if err := e.store.SaveStatus(ctx, status); err != nil {
		log.Error("Failed to persist status", "error", err)
	}
	e.status.Store(&status)
}

// ClearAlerts empties the alert history so every product can alert again.
// It waits for a running cycle to finish.
func (e *Engine) ClearAlerts(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing alert history: %w", err)
	}
	status := e.Status()
	status.AlertedCount = 0
	e.status.Store(&status)
	slog.Info("Alert history cleared")
	return nil
}

// Start launches the scheduler: one check right away, then one per
// interval, plus the summary job. It returns false if already running.
func (e *Engine) Start(ctx context.Context) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)
	go e.loop(runCtx, e.done)
	return true
}

// Stop cancels the scheduler and waits for it to exit. It returns false if
// the scheduler was not running.
func (e *Engine) Stop() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	e.running.Store(false)
	slog.Info("Monitor stopped")
	return true
}

// Running reports whether the scheduler is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	if e.opts.SummaryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.summaryLoop(ctx)
		}()
	}
	defer wg.Wait()

	slog.Info("Monitor started",
		"interval", e.opts.Interval,
		"visit_tag", e.opts.Query.Tag,
		"visitor_num", e.opts.Query.VisitorNum,
		"product_filter", e.opts.ProductFilter)
	if e.notifier.IsConfigured() {
		e.notifier.SendStatusMessage(ctx, fmt.Sprintf("Monitor iniciado. Verificando cada %ds", int(e.opts.Interval.Seconds())))
	}

	e.tick(ctx)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs a scheduled check unless one is already executing.
func (e *Engine) tick(ctx context.Context) {
	if e.inFlight.Load() {
		slog.Info("Previous check cycle still running, skipping tick")
		return
	}
	if _, err := e.CheckCycle(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Scheduled check cycle failed", "error", err)
	}
}

func (e *Engine) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SendSummary(ctx)
		}
	}
}

// SendSummary sends the periodic digest. It never touches alert state.
func (e *Engine) SendSummary(ctx context.Context) bool {
	if !e.notifier.IsConfigured() {
		return false
	}
	dates, err := e.dates.ListDates(ctx)
	if err != nil {
		slog.Warn("Failed to load target dates for summary", "error", err)
	}
	ok := e.notifier.SendPeriodicSummary(ctx, notifier.Summary{
		Status:      e.Status(),
		Running:     e.Running(),
		TargetDates: dates,
		VisitTag:    e.opts.Query.Tag,
		Interval:    e.opts.Interval,
	})
	if ok {
		slog.Info("Periodic summary sent")
	} else {
		slog.Warn("Periodic summary failed to send")
	}
	return ok
}
