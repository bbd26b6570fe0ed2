package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"querybook/internal/domain"
)

var (
	_ Client = (*BigQueryClient)(nil)
	_ Cursor = (*bigqueryCursor)(nil)
)

// BigQueryClient runs statements as BigQuery query jobs.
type BigQueryClient struct {
	client   *bigquery.Client
	location string
	logger   *slog.Logger
}

// NewBigQueryClient creates a client for the "project" parameter using the
// service account in "credentials_file" or "credentials_json", or the
// ambient application default credentials when neither is set.
func NewBigQueryClient(ctx context.Context, s Settings, logger *slog.Logger) (Client, error) {
	project := s.Params.String("project", "")
	if project == "" {
		return nil, domain.ErrValidation("engine %q: project parameter is required", s.ID)
	}

	var opts []option.ClientOption
	switch {
	case s.Params.String("credentials_file", "") != "":
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, s.Params.String("credentials_file", "")))
	case s.Params.String("credentials_json", "") != "":
		opts = append(opts, option.WithAuthCredentialsJSON(option.ServiceAccount, []byte(s.Params.String("credentials_json", ""))))
	}

	var client *bigquery.Client
	err := connect(ctx, s, logger, func(ctx context.Context) error {
		c, err := bigquery.NewClient(ctx, project, opts...)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BigQueryClient{client: client, location: s.Params.String("location", ""), logger: logger}, nil
}

// Cursor returns a job cursor. Jobs are independent, so no session is held.
func (c *BigQueryClient) Cursor(_ context.Context) (Cursor, error) {
	return &bigqueryCursor{client: c}, nil
}

// Close closes the BigQuery client.
func (c *BigQueryClient) Close() error {
	return c.client.Close()
}

type bigqueryCursor struct {
	client *BigQueryClient

	mu          sync.Mutex
	job         *bigquery.Job
	it          *bigquery.RowIterator
	peeked      []bigquery.Value
	exhausted   bool
	columns     []string
	percent     float64
	trackingURL string
	cancelled   bool
}

func (c *bigqueryCursor) Run(ctx context.Context, statement string) error {
	q := c.client.client.Query(statement)
	if c.client.location != "" {
		q.Location = c.client.location
	}
	job, err := q.Run(ctx)
	if err != nil {
		return NewQueryError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.job, c.it, c.peeked, c.exhausted, c.columns = job, nil, nil, false, nil
	c.percent, c.cancelled = 0, false
	c.trackingURL = consoleJobURL(job)
	return nil
}

// consoleJobURL links to the job in the Cloud console.
func consoleJobURL(job *bigquery.Job) string {
	q := url.Values{}
	q.Set("project", job.ProjectID())
	q.Set("j", fmt.Sprintf("bq:%s:%s", job.Location(), job.ID()))
	q.Set("page", "queryresults")
	return "https://console.cloud.google.com/bigquery?" + q.Encode()
}

func (c *bigqueryCursor) Poll(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job == nil {
		return false, errors.New("cursor: no statement submitted")
	}
	if c.cancelled {
		return false, ErrCancelled
	}
	if c.it != nil {
		return true, nil
	}

	status, err := c.job.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("job status: %w", err)
	}
	c.updateProgress(status)
	if !status.Done() {
		return false, nil
	}
	if err := status.Err(); err != nil {
		return false, NewQueryError(err)
	}

	it, err := c.job.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("read job results: %w", err)
	}
	c.it = it
	// The iterator schema is populated by the first Next call.
	var row []bigquery.Value
	switch err := it.Next(&row); {
	case errors.Is(err, iterator.Done):
		c.exhausted = true
	case err != nil:
		return false, fmt.Errorf("read first row: %w", err)
	default:
		c.peeked = row
	}
	for _, f := range it.Schema {
		c.columns = append(c.columns, f.Name)
	}
	c.percent = 100
	return true, nil
}

// updateProgress estimates progress from completed query plan stages.
// Callers hold c.mu.
func (c *bigqueryCursor) updateProgress(status *bigquery.JobStatus) {
	if status.Statistics == nil {
		return
	}
	qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !ok || len(qs.QueryPlan) == 0 {
		return
	}
	var completed int
	for _, stage := range qs.QueryPlan {
		if stage.Status == "COMPLETE" {
			completed++
		}
	}
	if pct := float64(completed) / float64(len(qs.QueryPlan)) * 100; pct > c.percent {
		c.percent = pct
	}
}

func (c *bigqueryCursor) Cancel(ctx context.Context) error {
	c.mu.Lock()
	job := c.job
	c.cancelled = true
	c.mu.Unlock()
	if job == nil {
		return nil
	}
	return job.Cancel(ctx)
}

func (c *bigqueryCursor) Columns() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns, len(c.columns) > 0
}

func (c *bigqueryCursor) NextRow(_ context.Context) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.it == nil || c.exhausted {
		return nil, io.EOF
	}

	row := c.peeked
	if row != nil {
		c.peeked = nil
	} else {
		if err := c.it.Next(&row); err != nil {
			if errors.Is(err, iterator.Done) {
				c.exhausted = true
				return nil, io.EOF
			}
			return nil, err
		}
	}
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out, nil
}

func (c *bigqueryCursor) PercentComplete() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percent
}

func (c *bigqueryCursor) TrackingURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackingURL
}

func (c *bigqueryCursor) Close() error { return nil }
