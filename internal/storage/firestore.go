package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/validator"
)

const (
	alertsCollection = "alerted_products"
	datesCollection  = "target_dates"
	statusCollection = "monitor_status"
	statusDocID      = "current"
)

// Client stores alert state and target dates in Firestore.
type Client struct {
	client    *firestore.Client
	validator *validator.Validator
}

func New(ctx context.Context, projectID string) (*Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Client{client: client, validator: validator.New()}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

type alertDoc struct {
	Key       string    `firestore:"key"`
	AlertedAt time.Time `firestore:"alertedAt"`
}

type dateDoc struct {
	Date      string    `firestore:"date"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type dateResults struct {
	Date     string           `firestore:"date"`
	Products []models.Product `firestore:"products"`
}

// statusDoc flattens LastResults into a list since dates contain slashes.
type statusDoc struct {
	CheckCount  int64         `firestore:"checkCount"`
	AlertsSent  int64         `firestore:"alertsSent"`
	LastCheck   time.Time     `firestore:"lastCheck"`
	LastResults []dateResults `firestore:"lastResults"`
}

// docID maps a key to a Firestore-safe document ID.
func docID(s string) string {
	return url.PathEscape(s)
}

func toStatusDoc(s models.Status) statusDoc {
	doc := statusDoc{CheckCount: s.CheckCount, AlertsSent: s.AlertsSent, LastCheck: s.LastCheck}
	for _, d := range s.LastResults.Dates() {
		doc.LastResults = append(doc.LastResults, dateResults{Date: d, Products: s.LastResults[d]})
	}
	return doc
}

func fromStatusDoc(doc statusDoc) models.Status {
	s := models.Status{
		CheckCount:  doc.CheckCount,
		AlertsSent:  doc.AlertsSent,
		LastCheck:   doc.LastCheck,
		LastResults: make(models.Availability, len(doc.LastResults)),
	}
	for _, r := range doc.LastResults {
		s.LastResults[r.Date] = r.Products
	}
	return s
}

func (c *Client) AlreadyAlerted(ctx context.Context, key models.AlertKey) (bool, error) {
	doc, err := c.client.Collection(alertsCollection).Doc(docID(string(key))).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check alert %s: %w", key, err)
	}
	return doc.Exists(), nil
}

// RecordAlerted writes one document per key. Set overwrites, so repeated
// keys are harmless.
func (c *Client) RecordAlerted(ctx context.Context, keys ...models.AlertKey) error {
	if len(keys) == 0 {
		return nil
	}
	collectionRef := c.client.Collection(alertsCollection)
	bulkWriter := c.client.BulkWriter(ctx)

	now := time.Now().UTC()
	jobs := make([]bulkJob, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		job, err := bulkWriter.Set(collectionRef.Doc(docID(string(k))), alertDoc{Key: string(k), AlertedAt: now})
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue alert %s: %w", k, err)
		}
		jobs = append(jobs, job)
		ids = append(ids, string(k))
	}
	bulkWriter.End()

	return checkJobs("record alert", ids, jobs)
}

// Clear deletes every alerted key document.
func (c *Client) Clear(ctx context.Context) error {
	iter := c.client.Collection(alertsCollection).Documents(ctx)
	defer iter.Stop()

	bulkWriter := c.client.BulkWriter(ctx)

	var (
		jobs []bulkJob
		ids  []string
	)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to iterate alerts for clearing: %w", err)
		}
		job, err := bulkWriter.Delete(doc.Ref)
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue alert delete %s: %w", doc.Ref.ID, err)
		}
		jobs = append(jobs, job)
		ids = append(ids, doc.Ref.ID)
	}
	bulkWriter.End()

	if err := checkJobs("delete alert", ids, jobs); err != nil {
		return err
	}
	slog.Info("Cleared alert history", "deleted", len(jobs))
	return nil
}

// bulkJob is the part of *firestore.BulkWriterJob needed after End.
type bulkJob interface {
	Results() (*firestore.WriteResult, error)
}

// checkJobs returns the first failed job's error. ids[i] names jobs[i].
func checkJobs(op string, ids []string, jobs []bulkJob) error {
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to %s %s: %w", op, ids[i], err)
		}
	}
	return nil
}

func (c *Client) AlertedCount(ctx context.Context) (int, error) {
	snapshot, err := c.client.Collection(alertsCollection).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	value, ok := snapshot["all"]
	if !ok {
		return 0, fmt.Errorf("count aggregation result was invalid: 'all' key missing")
	}
	n, err := aggregationCount(value)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func aggregationCount(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case *firestorepb.Value:
		return val.GetIntegerValue(), nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}

func (c *Client) LoadStatus(ctx context.Context) (models.Status, error) {
	doc, err := c.client.Collection(statusCollection).Doc(statusDocID).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return models.Status{}, fmt.Errorf("failed to load status: %w", err)
	}

	var s models.Status
	if err == nil && doc.Exists() {
		var sd statusDoc
		if err := doc.DataTo(&sd); err != nil {
			return models.Status{}, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		s = fromStatusDoc(sd)
	}

	n, err := c.AlertedCount(ctx)
	if err != nil {
		return models.Status{}, err
	}
	s.AlertedCount = n
	return s, nil
}

func (c *Client) SaveStatus(ctx context.Context, s models.Status) error {
	_, err := c.client.Collection(statusCollection).Doc(statusDocID).Set(ctx, toStatusDoc(s))
	if err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (c *Client) ListDates(ctx context.Context) ([]string, error) {
	iter := c.client.Collection(datesCollection).Documents(ctx)
	defer iter.Stop()

	var dates []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate target dates: %w", err)
		}
		var d dateDoc
		if err := doc.DataTo(&d); err != nil || d.Date == "" {
			slog.Warn("Skipping malformed target date document", "id", doc.Ref.ID, "error", err)
			continue
		}
		dates = append(dates, d.Date)
	}
	models.SortVisitDates(dates)
	return dates, nil
}

// AddDate creates the date document. Create fails if it already exists.
func (c *Client) AddDate(ctx context.Context, date string) error {
	if err := c.validator.ValidateTargetDate(date); err != nil {
		return err
	}
	docRef := c.client.Collection(datesCollection).Doc(docID(date))
	_, err := docRef.Create(ctx, dateDoc{Date: date, CreatedAt: time.Now().UTC()})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", models.ErrDateExists, date)
		}
		return fmt.Errorf("failed to add target date %s: %w", date, err)
	}
	return nil
}

func (c *Client) RemoveDate(ctx context.Context, date string) error {
	docRef := c.client.Collection(datesCollection).Doc(docID(date))
	_, err := docRef.Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", models.ErrDateNotFound, date)
		}
		return fmt.Errorf("failed to remove target date %s: %w", date, err)
	}
	return nil
}
