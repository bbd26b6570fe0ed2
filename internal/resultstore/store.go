// Package resultstore keeps statement results out of the relational store.
// Results are CSV text written through an Uploader and read back through a
// Reader; the backend is chosen by the URI scheme of the result path.
package resultstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"querybook/internal/domain"
)

// DefaultMaxBytes caps a single statement result.
const DefaultMaxBytes = 10 << 20

// Backend stores result objects under keys.
type Backend interface {
	// Scheme is the URI scheme of paths this backend produces, e.g. "s3".
	Scheme() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Uploader streams one result. Start must be called before Write and End
// after the last Write.
type Uploader interface {
	Start(ctx context.Context) error
	// Write appends one CSV line. It returns false once the line would exceed
	// the size limit; the line is then dropped.
	Write(line string) bool
	// End flushes the result and returns its path.
	End(ctx context.Context) (string, error)
}

// Reader reads one stored result.
type Reader interface {
	// ReadLines returns up to n lines, all when n <= 0.
	ReadLines(ctx context.Context, n int) ([]string, error)
	// ReadCSV returns up to n parsed records, all when n <= 0.
	ReadCSV(ctx context.Context, n int) ([][]string, error)
	ReadRaw(ctx context.Context) ([]byte, error)
}

// Store writes through one backend and reads through any registered one.
type Store struct {
	write    Backend
	backends map[string]Backend
	maxBytes int
	logger   *slog.Logger
}

// New creates a store writing to write. Extra backends are used for reading
// results written under other schemes.
func New(write Backend, maxBytes int, logger *slog.Logger, extra ...Backend) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s := &Store{
		write:    write,
		backends: map[string]Backend{write.Scheme(): write},
		maxBytes: maxBytes,
		logger:   logger.With("component", "resultstore"),
	}
	for _, b := range extra {
		if _, ok := s.backends[b.Scheme()]; !ok {
			s.backends[b.Scheme()] = b
		}
	}
	return s
}

// Scheme returns the scheme new results are written under.
func (s *Store) Scheme() string { return s.write.Scheme() }

// NewUploader returns an uploader for key, e.g. "<execution>/<statement>.csv".
func (s *Store) NewUploader(key string) Uploader {
	return &bufferUploader{backend: s.write, key: key, maxBytes: s.maxBytes, logger: s.logger}
}

// NewReader returns a reader for a path produced by an uploader.
func (s *Store) NewReader(path string) (Reader, error) {
	scheme, key, ok := strings.Cut(path, "://")
	if !ok || key == "" {
		return nil, domain.ErrValidation("invalid result path %q", path)
	}
	b, ok := s.backends[scheme]
	if !ok {
		return nil, domain.ErrNotImplemented("no result backend for scheme %q", scheme)
	}
	return &backendReader{backend: b, key: key}, nil
}

// EncodeRow renders values as one CSV line without the trailing newline.
func EncodeRow(values []string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(values)
	w.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}

// bufferUploader accumulates the result in memory and uploads on End.
type bufferUploader struct {
	backend  Backend
	key      string
	maxBytes int
	logger   *slog.Logger

	mu        sync.Mutex
	buf       bytes.Buffer
	started   bool
	truncated bool
}

func (u *bufferUploader) Start(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return fmt.Errorf("uploader for %q already started", u.key)
	}
	u.started = true
	u.buf.Reset()
	return nil
}

func (u *bufferUploader) Write(line string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.started || u.truncated {
		return false
	}
	if u.buf.Len()+len(line)+1 > u.maxBytes {
		u.truncated = true
		u.logger.Info("result truncated", "key", u.key, "max_bytes", u.maxBytes)
		return false
	}
	u.buf.WriteString(line)
	u.buf.WriteByte('\n')
	return true
}

func (u *bufferUploader) End(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.started {
		return "", fmt.Errorf("uploader for %q not started", u.key)
	}
	if err := u.backend.Put(ctx, u.key, u.buf.Bytes()); err != nil {
		return "", fmt.Errorf("upload result %q: %w", u.key, err)
	}
	u.started = false
	return u.backend.Scheme() + "://" + u.key, nil
}

type backendReader struct {
	backend Backend
	key     string
}

func (r *backendReader) ReadRaw(ctx context.Context) ([]byte, error) {
	data, err := r.backend.Get(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("read result %q: %w", r.key, err)
	}
	return data, nil
}

func (r *backendReader) ReadLines(ctx context.Context, n int) ([]string, error) {
	data, err := r.ReadRaw(ctx)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[:n]
	}
	return lines, nil
}

func (r *backendReader) ReadCSV(ctx context.Context, n int) ([][]string, error) {
	data, err := r.ReadRaw(ctx)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	out := [][]string{}
	for n <= 0 || len(out) < n {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse result %q: %w", r.key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
