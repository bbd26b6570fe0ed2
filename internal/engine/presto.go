package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	_ Client = (*PrestoClient)(nil)
	_ Cursor = (*prestoCursor)(nil)
)

// PrestoClient speaks the Presto/Trino client REST protocol: a statement is
// POSTed to /v1/statement and advanced by following nextUri.
type PrestoClient struct {
	http         *retryablehttp.Client
	baseURL      string
	headerPrefix string
	user         string
	catalog      string
	schema       string
	source       string
	logger       *slog.Logger
}

// NewTrinoClient creates a client sending X-Trino-* headers.
func NewTrinoClient(ctx context.Context, s Settings, logger *slog.Logger) (Client, error) {
	return newPrestoClient(ctx, s, "X-Trino-", logger)
}

// NewPrestoClient creates a client sending X-Presto-* headers.
func NewPrestoClient(ctx context.Context, s Settings, logger *slog.Logger) (Client, error) {
	return newPrestoClient(ctx, s, "X-Presto-", logger)
}

func newPrestoClient(ctx context.Context, s Settings, headerPrefix string, logger *slog.Logger) (*PrestoClient, error) {
	baseURL := s.Params.String("url", "")
	if baseURL == "" {
		host := s.Params.String("host", "localhost")
		port := s.Params.String("port", "8080")
		protocol := s.Params.String("protocol", "http")
		baseURL = fmt.Sprintf("%s://%s:%s", protocol, host, port)
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = s.Params.Duration("request_timeout", 60*time.Second)
	hc.RetryMax = s.Params.Int("max_retries", 3)
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.Logger = logger

	user := s.Params.String("user", "querybook")
	if proxy := s.Params.String(ParamProxyUser, ""); proxy != "" {
		user = proxy
	}

	c := &PrestoClient{
		http:         hc,
		baseURL:      strings.TrimRight(baseURL, "/"),
		headerPrefix: headerPrefix,
		user:         user,
		catalog:      s.Params.String("catalog", ""),
		schema:       s.Params.String("schema", ""),
		source:       s.Params.String("source", "querybook"),
		logger:       logger,
	}
	if err := connect(ctx, s, logger, c.ping); err != nil {
		return nil, err
	}
	return c, nil
}

// ping checks that the coordinator answers /v1/info.
func (c *PrestoClient) ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/info", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator info: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Cursor returns a new statement cursor. Presto sessions are stateless on the
// server, so cursors share the HTTP client.
func (c *PrestoClient) Cursor(_ context.Context) (Cursor, error) {
	return &prestoCursor{client: c}, nil
}

// Close releases idle connections.
func (c *PrestoClient) Close() error {
	c.http.HTTPClient.CloseIdleConnections()
	return nil
}

type prestoColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type prestoStats struct {
	State           string `json:"state"`
	CompletedSplits int64  `json:"completedSplits"`
	TotalSplits     int64  `json:"totalSplits"`
}

type prestoErrorLocation struct {
	LineNumber   int `json:"lineNumber"`
	ColumnNumber int `json:"columnNumber"`
}

type prestoError struct {
	Message       string               `json:"message"`
	ErrorName     string               `json:"errorName"`
	ErrorType     string               `json:"errorType"`
	ErrorLocation *prestoErrorLocation `json:"errorLocation"`
}

type prestoResponse struct {
	ID      string         `json:"id"`
	InfoURI string         `json:"infoUri"`
	NextURI string         `json:"nextUri"`
	Columns []prestoColumn `json:"columns"`
	Data    [][]any        `json:"data"`
	Stats   prestoStats    `json:"stats"`
	Error   *prestoError   `json:"error"`
}

type prestoCursor struct {
	client *PrestoClient

	mu          sync.Mutex
	submitted   bool
	nextURI     string
	trackingURL string
	columns     []string
	rows        [][]any
	percent     float64
	cancelled   bool
	err         error
}

func (c *prestoCursor) Run(ctx context.Context, statement string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.submitted = true
	c.nextURI, c.columns, c.rows, c.percent, c.cancelled, c.err = "", nil, nil, 0, false, nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.client.baseURL+"/v1/statement", []byte(statement))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	c.client.setHeaders(req)

	resp, err := c.client.fetch(req)
	if err != nil {
		return err
	}
	c.apply(resp)
	return nil
}

func (c *PrestoClient) setHeaders(req *retryablehttp.Request) {
	req.Header.Set(c.headerPrefix+"User", c.user)
	req.Header.Set(c.headerPrefix+"Source", c.source)
	if c.catalog != "" {
		req.Header.Set(c.headerPrefix+"Catalog", c.catalog)
	}
	if c.schema != "" {
		req.Header.Set(c.headerPrefix+"Schema", c.schema)
	}
}

// fetch performs req and decodes a statement response.
func (c *PrestoClient) fetch(req *retryablehttp.Request) (*prestoResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read statement response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statement request: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out prestoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode statement response: %w", err)
	}
	return &out, nil
}

// apply folds one protocol response into the cursor. Callers hold c.mu.
func (c *prestoCursor) apply(resp *prestoResponse) {
	c.nextURI = resp.NextURI
	if c.trackingURL == "" && resp.InfoURI != "" {
		c.trackingURL = resp.InfoURI
	}
	if c.columns == nil && len(resp.Columns) > 0 {
		c.columns = make([]string, len(resp.Columns))
		for i, col := range resp.Columns {
			c.columns[i] = col.Name
		}
	}
	c.rows = append(c.rows, resp.Data...)
	if resp.Stats.TotalSplits > 0 {
		pct := float64(resp.Stats.CompletedSplits) / float64(resp.Stats.TotalSplits) * 100
		if pct > c.percent {
			c.percent = min(pct, 100)
		}
	}

	if e := resp.Error; e != nil {
		if e.ErrorName == "USER_CANCELED" || e.ErrorName == "USER_CANCELLED" {
			c.err = ErrCancelled
			return
		}
		qe := &QueryError{Message: e.Message}
		if e.ErrorLocation != nil {
			qe.Line = e.ErrorLocation.LineNumber
		}
		if qe.Line == 0 {
			qe.Line = LineFromMessage(e.Message)
		}
		c.err = qe
	}
}

func (c *prestoCursor) Poll(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.submitted {
		return false, fmt.Errorf("cursor: no statement submitted")
	}
	if c.cancelled {
		return false, ErrCancelled
	}
	if c.err != nil {
		return false, c.err
	}
	if c.nextURI == "" {
		c.percent = 100
		return true, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.nextURI, nil)
	if err != nil {
		return false, err
	}
	c.client.setHeaders(req)
	resp, err := c.client.fetch(req)
	if err != nil {
		return false, err
	}
	c.apply(resp)

	if c.err != nil {
		return false, c.err
	}
	if c.nextURI == "" {
		c.percent = 100
		return true, nil
	}
	return false, nil
}

func (c *prestoCursor) Cancel(ctx context.Context) error {
	c.mu.Lock()
	next := c.nextURI
	c.cancelled = true
	c.mu.Unlock()

	if next == "" {
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, next, nil)
	if err != nil {
		return err
	}
	c.client.setHeaders(req)
	resp, err := c.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel statement: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *prestoCursor) Columns() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns, len(c.columns) > 0
}

// NextRow returns rows buffered while polling. The coordinator streams data
// pages with the poll responses, so every row is available once Poll
// reported completion.
func (c *prestoCursor) NextRow(_ context.Context) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rows) == 0 {
		return nil, io.EOF
	}
	row := c.rows[0]
	c.rows[0] = nil
	c.rows = c.rows[1:]
	return row, nil
}

func (c *prestoCursor) PercentComplete() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percent
}

func (c *prestoCursor) TrackingURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackingURL
}

func (c *prestoCursor) Close() error {
	c.mu.Lock()
	running := c.nextURI != "" && c.err == nil && !c.cancelled
	c.rows = nil
	c.mu.Unlock()
	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.Cancel(ctx)
	}
	return nil
}
