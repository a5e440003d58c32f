package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/notifier"
)

// --- Mock implementations ---

type mockFetcher struct {
	mu       sync.Mutex
	products map[string][]models.Product
	errs     map[string]error
	calls    []string
	started  chan string
	release  chan struct{}
	// hold limits release to one date when set.
	hold    string
	panicOn string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		products: make(map[string][]models.Product),
		errs:     make(map[string]error),
	}
}

func (m *mockFetcher) GetAvailableProducts(ctx context.Context, date string, _ models.SearchQuery, _ string) ([]models.Product, error) {
	m.mu.Lock()
	m.calls = append(m.calls, date)
	started, release := m.started, m.release
	hold, panicOn := m.hold, m.panicOn
	products, err := m.products[date], m.errs[date]
	m.mu.Unlock()

	if date == panicOn {
		panic("unexpected upstream payload")
	}
	if started != nil {
		started <- date
	}
	if release != nil && (hold == "" || hold == date) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return products, err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockStore struct {
	mu        sync.Mutex
	alerted   map[models.AlertKey]bool
	status    models.Status
	recordErr error
	saves     int
}

func newMockStore() *mockStore {
	return &mockStore{alerted: make(map[models.AlertKey]bool)}
}

func (m *mockStore) AlreadyAlerted(_ context.Context, key models.AlertKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerted[key], nil
}

func (m *mockStore) RecordAlerted(_ context.Context, keys ...models.AlertKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	for _, k := range keys {
		m.alerted[k] = true
	}
	return nil
}

func (m *mockStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerted = make(map[models.AlertKey]bool)
	return nil
}

func (m *mockStore) AlertedCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerted), nil
}

func (m *mockStore) LoadStatus(_ context.Context) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Clone(), nil
}

func (m *mockStore) SaveStatus(_ context.Context, s models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s.Clone()
	m.saves++
	return nil
}

type mockDates struct {
	mu    sync.Mutex
	dates []string
	err   error
}

func (m *mockDates) ListDates(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]string(nil), m.dates...), nil
}

func (m *mockDates) AddDate(_ context.Context, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dates = append(m.dates, date)
	return nil
}

func (m *mockDates) RemoveDate(_ context.Context, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.dates {
		if d == date {
			m.dates = append(m.dates[:i], m.dates[i+1:]...)
			return nil
		}
	}
	return models.ErrDateNotFound
}

type mockNotifier struct {
	mu         sync.Mutex
	configured bool
	sendOK     bool
	batches    []models.Availability
	statuses   []string
	errors     []string
	summaries  []notifier.Summary
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{configured: true, sendOK: true}
}

func (m *mockNotifier) IsConfigured() bool { return m.configured }

func (m *mockNotifier) SendAvailabilityBatch(_ context.Context, batch models.Availability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch.Clone())
	return m.sendOK
}

func (m *mockNotifier) SendStatusMessage(_ context.Context, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, text)
	return true
}

func (m *mockNotifier) SendErrorMessage(_ context.Context, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, text)
	return true
}

func (m *mockNotifier) SendPeriodicSummary(_ context.Context, s notifier.Summary) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return true
}

func (m *mockNotifier) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockNotifier) statusCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statuses)
}

type fixture struct {
	fetcher  *mockFetcher
	store    *mockStore
	dates    *mockDates
	notifier *mockNotifier
}

func newFixture(dates ...string) *fixture {
	return &fixture{
		fetcher:  newMockFetcher(),
		store:    newMockStore(),
		dates:    &mockDates{dates: dates},
		notifier: newMockNotifier(),
	}
}

func (f *fixture) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), f.fetcher, f.store, f.dates, f.notifier, Options{
		Query:    models.SearchQuery{Tag: "MV-Biglietti", WhoID: "2", VisitorNum: 2, Lang: "it"},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

var musei = models.Product{ID: 101, Name: "Musei Vaticani - Biglietti d'ingresso", Availability: models.StateAvailable}

// --- Tests ---

func TestCheckCycle_AlertsOnce(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	e := f.engine(t)

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if !res.Notified || res.NewAvailability.Count() != 1 {
		t.Fatalf("expected one notified product, got %+v", res)
	}

	res, err = e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Notified || len(res.NewAvailability) != 0 {
		t.Errorf("expected no new availability on second cycle, got %+v", res.NewAvailability)
	}
	if got := f.notifier.batchCount(); got != 1 {
		t.Errorf("expected 1 batch sent, got %d", got)
	}

	st := e.Status()
	if st.CheckCount != 2 || st.AlertsSent != 1 {
		t.Errorf("status counters = %d checks, %d alerts; want 2, 1", st.CheckCount, st.AlertsSent)
	}
	if st.AlertedCount != 1 {
		t.Errorf("AlertedCount = %d, want 1", st.AlertedCount)
	}
	if len(st.LastResults["25/12/2025"]) != 1 {
		t.Errorf("LastResults missing date: %v", st.LastResults)
	}
	if !f.store.alerted[models.NewAlertKey("25/12/2025", 101)] {
		t.Error("alert key not recorded")
	}
}

func TestCheckCycle_NoDatesSkipsUpstream(t *testing.T) {
	f := newFixture()
	e := f.engine(t)

	if _, err := e.CheckCycle(context.Background()); err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if f.fetcher.callCount() != 0 {
		t.Errorf("expected no upstream calls, got %d", f.fetcher.callCount())
	}
	st := e.Status()
	if st.CheckCount != 1 {
		t.Errorf("CheckCount = %d, want 1", st.CheckCount)
	}
	if len(st.LastResults) != 0 {
		t.Errorf("LastResults = %v, want empty", st.LastResults)
	}
	if st.LastCheck.IsZero() {
		t.Error("LastCheck not set")
	}
}

func TestCheckCycle_DateErrorDoesNotAbort(t *testing.T) {
	f := newFixture("24/12/2025", "25/12/2025")
	f.fetcher.errs["24/12/2025"] = errors.New("upstream 500")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	e := f.engine(t)

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if len(res.FailedDates) != 1 || res.FailedDates[0] != "24/12/2025" {
		t.Errorf("FailedDates = %v", res.FailedDates)
	}
	if _, ok := res.Results["24/12/2025"]; ok {
		t.Error("failed date should be absent from results")
	}
	if !res.Notified {
		t.Error("expected the healthy date to be notified")
	}
}

func TestCheckCycle_SendFailureStillRecords(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.notifier.sendOK = false
	e := f.engine(t)

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if res.Notified {
		t.Error("expected Notified=false when send fails")
	}
	if e.Status().AlertsSent != 0 {
		t.Error("AlertsSent should not increase on failed send")
	}

	// The key was recorded before sending, so no retry happens.
	f.notifier.sendOK = true
	res, _ = e.CheckCycle(context.Background())
	if len(res.NewAvailability) != 0 {
		t.Errorf("expected product to stay suppressed, got %v", res.NewAvailability)
	}
}

func TestCheckCycle_RecordFailureSkipsNotify(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.store.recordErr = errors.New("disk full")
	e := f.engine(t)

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if res.Notified || f.notifier.batchCount() != 0 {
		t.Error("expected no notification when keys cannot be recorded")
	}

	f.store.mu.Lock()
	f.store.recordErr = nil
	f.store.mu.Unlock()
	res, _ = e.CheckCycle(context.Background())
	if !res.Notified {
		t.Error("expected notification once recording works again")
	}
}

func TestCheckCycle_NotifierNotConfigured(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.notifier.configured = false
	e := f.engine(t)

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if res.Notified || f.notifier.batchCount() != 0 {
		t.Error("expected no send with an unconfigured notifier")
	}
	if res.NewAvailability.Count() != 1 {
		t.Errorf("expected the product to be reported as new, got %v", res.NewAvailability)
	}
	if !f.store.alerted[models.NewAlertKey("25/12/2025", 101)] {
		t.Error("key should still be recorded")
	}
}

func TestCheckCycle_DuplicateProductInOneResponse(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei, musei}
	e := f.engine(t)

	res, _ := e.CheckCycle(context.Background())
	if got := res.NewAvailability.Count(); got != 1 {
		t.Errorf("expected duplicate to collapse to 1 product, got %d", got)
	}
}

func TestCheckCycle_DatesLoadError(t *testing.T) {
	f := newFixture()
	f.dates.err = errors.New("permission denied")
	e := f.engine(t)

	if _, err := e.CheckCycle(context.Background()); err == nil {
		t.Fatal("expected an error when target dates cannot be loaded")
	}
	if len(f.notifier.errors) != 1 {
		t.Errorf("expected an error notification, got %v", f.notifier.errors)
	}
	if e.Status().CheckCount != 0 {
		t.Error("a failed cycle should not count as a check")
	}
}

func TestCheckCycle_ConcurrentCallsShareOneCycle(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.fetcher.started = make(chan string, 1)
	f.fetcher.release = make(chan struct{})
	e := f.engine(t)

	results := make(chan *models.CycleResult, 2)
	go func() {
		res, _ := e.CheckCycle(context.Background())
		results <- res
	}()
	<-f.fetcher.started

	go func() {
		res, _ := e.CheckCycle(context.Background())
		results <- res
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.release)

	a, b := <-results, <-results
	if a == nil || b == nil || a.ID != b.ID {
		t.Fatalf("expected both callers to share one cycle, got %v and %v", a, b)
	}
	if f.fetcher.callCount() != 1 {
		t.Errorf("expected 1 upstream call, got %d", f.fetcher.callCount())
	}
	if e.Status().CheckCount != 1 {
		t.Errorf("CheckCount = %d, want 1", e.Status().CheckCount)
	}
}

func TestCheckCycle_TimeoutDuringFetchRecordsNothing(t *testing.T) {
	f := newFixture("25/12/2025", "26/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.fetcher.release = make(chan struct{})
	f.fetcher.hold = "26/12/2025"
	e := f.engine(t)
	e.cycleTimeout = 50 * time.Millisecond

	_, err := e.CheckCycle(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	f.store.mu.Lock()
	recorded := len(f.store.alerted)
	f.store.mu.Unlock()
	if recorded != 0 {
		t.Errorf("expected no keys recorded, got %d", recorded)
	}
	if f.notifier.batchCount() != 0 {
		t.Error("expected no notification from a cut-short cycle")
	}
	if e.Status().CheckCount != 0 {
		t.Errorf("CheckCount = %d, want 0", e.Status().CheckCount)
	}

	f.fetcher.mu.Lock()
	f.fetcher.release = nil
	f.fetcher.mu.Unlock()
	e.cycleTimeout = time.Minute

	res, err := e.CheckCycle(context.Background())
	if err != nil {
		t.Fatalf("CheckCycle: %v", err)
	}
	if !res.Notified || res.NewAvailability.Count() != 1 {
		t.Errorf("expected the product to alert on the next cycle, got %+v", res)
	}
}

func TestCheckCycle_CallerCancelDoesNotAbortCycle(t *testing.T) {
	f := newFixture("25/12/2025", "26/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.fetcher.started = make(chan string, 2)
	f.fetcher.release = make(chan struct{})
	f.fetcher.hold = "26/12/2025"
	e := f.engine(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := e.CheckCycle(ctx)
		errs <- err
	}()
	<-f.fetcher.started
	<-f.fetcher.started

	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the caller to see context.Canceled, got %v", err)
	}
	close(f.fetcher.release)

	deadline := time.Now().Add(2 * time.Second)
	for e.Status().CheckCount != 1 {
		if time.Now().After(deadline) {
			t.Fatal("cycle did not finish after the caller went away")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.notifier.batchCount() != 1 {
		t.Errorf("expected the alert to be delivered, got %d batches", f.notifier.batchCount())
	}
}

func TestCheckCycle_PanicBecomesError(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.panicOn = "25/12/2025"
	e := f.engine(t)

	_, err := e.CheckCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic to surface as an error, got %v", err)
	}

	f.fetcher.mu.Lock()
	f.fetcher.panicOn = ""
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	f.fetcher.mu.Unlock()

	res, err := e.CheckCycle(context.Background())
	if err != nil || !res.Notified {
		t.Errorf("expected the engine to recover for the next cycle, got %+v, %v", res, err)
	}
}

func TestTick_SkipsWhileCycleRunning(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.started = make(chan string, 1)
	f.fetcher.release = make(chan struct{})
	e := f.engine(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.CheckCycle(context.Background())
	}()
	<-f.fetcher.started

	// Must return immediately instead of blocking on the running cycle.
	e.tick(context.Background())
	close(f.fetcher.release)
	<-done

	if f.fetcher.callCount() != 1 {
		t.Errorf("expected skipped tick to make no upstream call, got %d calls", f.fetcher.callCount())
	}
}

func TestClearAlerts_ProductAlertsAgain(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.products["25/12/2025"] = []models.Product{musei}
	e := f.engine(t)

	e.CheckCycle(context.Background())
	if err := e.ClearAlerts(context.Background()); err != nil {
		t.Fatalf("ClearAlerts: %v", err)
	}
	if e.Status().AlertedCount != 0 {
		t.Errorf("AlertedCount = %d after clear", e.Status().AlertedCount)
	}

	res, _ := e.CheckCycle(context.Background())
	if !res.Notified {
		t.Error("expected product to alert again after clearing history")
	}
	if f.notifier.batchCount() != 2 {
		t.Errorf("expected 2 batches, got %d", f.notifier.batchCount())
	}
}

func TestNew_RestoresPersistedStatus(t *testing.T) {
	f := newFixture()
	f.store.status = models.Status{CheckCount: 41, AlertsSent: 3}
	e := f.engine(t)

	e.CheckCycle(context.Background())
	st := e.Status()
	if st.CheckCount != 42 || st.AlertsSent != 3 {
		t.Errorf("status = %+v, want counters continued from persisted state", st)
	}
	if f.store.saves != 1 {
		t.Errorf("expected status persisted once, got %d", f.store.saves)
	}
}

func TestNew_RejectsZeroInterval(t *testing.T) {
	f := newFixture()
	if _, err := New(context.Background(), f.fetcher, f.store, f.dates, f.notifier, Options{}); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture("25/12/2025")
	f.fetcher.started = make(chan string, 4)
	e := f.engine(t)

	if !e.Start(context.Background()) {
		t.Fatal("first Start should report true")
	}
	if e.Start(context.Background()) {
		t.Error("second Start should be a no-op")
	}
	if !e.Running() {
		t.Error("Running() = false after Start")
	}

	select {
	case <-f.fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial check did not run")
	}

	if !e.Stop() {
		t.Error("Stop should report true while running")
	}
	if e.Stop() {
		t.Error("second Stop should be a no-op")
	}
	if e.Running() {
		t.Error("Running() = true after Stop")
	}
	if f.notifier.statusCount() != 1 {
		t.Errorf("expected one startup message, got %d", f.notifier.statusCount())
	}
	if f.fetcher.callCount() != 1 {
		t.Errorf("expected exactly one check from a single Start, got %d", f.fetcher.callCount())
	}
}

func TestSendSummary(t *testing.T) {
	f := newFixture("25/12/2025")
	e := f.engine(t)

	if !e.SendSummary(context.Background()) {
		t.Fatal("SendSummary returned false")
	}
	if len(f.notifier.summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(f.notifier.summaries))
	}
	s := f.notifier.summaries[0]
	if s.VisitTag != "MV-Biglietti" || len(s.TargetDates) != 1 || s.Interval != time.Hour {
		t.Errorf("unexpected summary %+v", s)
	}

	f.notifier.configured = false
	if e.SendSummary(context.Background()) {
		t.Error("expected false when notifier is not configured")
	}
}
