package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/validator"
)

const (
	alertsFileName = "alerts.json"
	datesFileName  = "target_dates.json"
)

type alertsFile struct {
	AlertedProducts []models.AlertKey   `json:"alerted_products"`
	CheckCount      int64               `json:"check_count"`
	AlertsSent      int64               `json:"alerts_sent"`
	LastCheck       *time.Time          `json:"last_check,omitempty"`
	LastResults     models.Availability `json:"last_results"`
}

type datesFile struct {
	Dates []string `json:"dates"`
}

// Local keeps alert state and target dates as JSON files in one directory.
// Every write replaces the file through a rename.
type Local struct {
	dir       string
	validator *validator.Validator

	mu      sync.Mutex
	alerted map[models.AlertKey]struct{}
	status  models.Status

	datesMu sync.Mutex
}

// NewLocal opens (or creates) the data directory and loads alert state.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	l := &Local{
		dir:       dir,
		validator: validator.New(),
		alerted:   make(map[models.AlertKey]struct{}),
	}

	var f alertsFile
	found, err := readJSON(filepath.Join(dir, alertsFileName), &f)
	if err != nil {
		return nil, err
	}
	if found {
		for _, k := range f.AlertedProducts {
			l.alerted[k] = struct{}{}
		}
		l.status = models.Status{
			CheckCount:  f.CheckCount,
			AlertsSent:  f.AlertsSent,
			LastResults: f.LastResults,
		}
		if f.LastCheck != nil {
			l.status.LastCheck = *f.LastCheck
		}
	}
	return l, nil
}

func (l *Local) Close() error { return nil }

func (l *Local) AlreadyAlerted(_ context.Context, key models.AlertKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.alerted[key]
	return ok, nil
}

// RecordAlerted adds keys to the alerted set. Present keys are ignored.
// If the file cannot be written the new keys are dropped again.
func (l *Local) RecordAlerted(_ context.Context, keys ...models.AlertKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var added []models.AlertKey
	for _, k := range keys {
		if _, ok := l.alerted[k]; !ok {
			l.alerted[k] = struct{}{}
			added = append(added, k)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if err := l.persistLocked(); err != nil {
		for _, k := range added {
			delete(l.alerted, k)
		}
		return err
	}
	return nil
}

// Clear forgets every alerted key. Counters and last results are kept.
func (l *Local) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerted = make(map[models.AlertKey]struct{})
	return l.persistLocked()
}

func (l *Local) AlertedCount(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alerted), nil
}

func (l *Local) LoadStatus(_ context.Context) (models.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status.Clone()
	s.AlertedCount = len(l.alerted)
	return s, nil
}

func (l *Local) SaveStatus(_ context.Context, s models.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s.Clone()
	return l.persistLocked()
}

func (l *Local) persistLocked() error {
	keys := make([]models.AlertKey, 0, len(l.alerted))
	for k := range l.alerted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	f := alertsFile{
		AlertedProducts: keys,
		CheckCount:      l.status.CheckCount,
		AlertsSent:      l.status.AlertsSent,
		LastResults:     l.status.LastResults,
	}
	if !l.status.LastCheck.IsZero() {
		t := l.status.LastCheck
		f.LastCheck = &t
	}
	return writeJSONAtomic(filepath.Join(l.dir, alertsFileName), f)
}

// ListDates reads the target dates file on every call so hand edits are
// picked up without a restart.
func (l *Local) ListDates(_ context.Context) ([]string, error) {
	l.datesMu.Lock()
	defer l.datesMu.Unlock()
	return l.readDatesLocked()
}

func (l *Local) AddDate(_ context.Context, date string) error {
	if err := l.validator.ValidateTargetDate(date); err != nil {
		return err
	}

	l.datesMu.Lock()
	defer l.datesMu.Unlock()
	dates, err := l.readDatesLocked()
	if err != nil {
		return err
	}
	for _, d := range dates {
		if d == date {
			return fmt.Errorf("%w: %s", models.ErrDateExists, date)
		}
	}
	dates = append(dates, date)
	models.SortVisitDates(dates)
	return writeJSONAtomic(filepath.Join(l.dir, datesFileName), datesFile{Dates: dates})
}

func (l *Local) RemoveDate(_ context.Context, date string) error {
	l.datesMu.Lock()
	defer l.datesMu.Unlock()
	dates, err := l.readDatesLocked()
	if err != nil {
		return err
	}
	kept := dates[:0]
	for _, d := range dates {
		if d != date {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(dates) {
		return fmt.Errorf("%w: %s", models.ErrDateNotFound, date)
	}
	return writeJSONAtomic(filepath.Join(l.dir, datesFileName), datesFile{Dates: kept})
}

func (l *Local) readDatesLocked() ([]string, error) {
	var f datesFile
	if _, err := readJSON(filepath.Join(l.dir, datesFileName), &f); err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(f.Dates))
	for _, d := range f.Dates {
		if d != "" {
			dates = append(dates, d)
		}
	}
	return dates, nil
}

// readJSON decodes path into v. A missing file reports found=false.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
