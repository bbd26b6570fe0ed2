// Package engine defines the Client/Cursor capability pair every SQL backend
// implements, the registry that maps engine type tags to implementations, and
// the built-in dbapi, presto/trino and bigquery engines.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Client is a connection to one configured engine.
type Client interface {
	// Cursor opens a session handle. Statements run on one cursor share the
	// engine session.
	Cursor(ctx context.Context) (Cursor, error)
	Close() error
}

// Cursor runs one statement at a time against an engine session.
type Cursor interface {
	// Run submits statement and returns without waiting for it to finish.
	Run(ctx context.Context, statement string) error
	// Poll advances the statement. It returns true once the statement
	// finished successfully and an error when it failed or was cancelled.
	Poll(ctx context.Context) (bool, error)
	// Cancel asks the engine to abort the running statement. Best effort.
	Cancel(ctx context.Context) error
	// Columns returns the result columns. The second value is false for
	// statements that produce no result set.
	Columns() ([]string, bool)
	// NextRow returns the next result row or io.EOF.
	NextRow(ctx context.Context) ([]any, error)
	// PercentComplete reports progress of the running statement in [0,100].
	PercentComplete() float64
	// TrackingURL returns the engine's monitoring link, or "" until known.
	TrackingURL() string
	Close() error
}

// Well-known parameter keys.
const (
	ParamConnectionString = "connection_string"
	ParamDriver           = "driver"
	ParamProxyUser        = "proxy_user"
	ParamImpersonate      = "impersonate"
	ParamConnectTimeout   = "connect_timeout"
)

// DefaultConnectTimeout bounds the connection handshake.
const DefaultConnectTimeout = 120 * time.Second

// Params is a flat key/value engine configuration.
type Params map[string]string

// String returns the value of key or def when unset.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean, falling back to def.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int parses key as an integer, falling back to def.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Duration parses key as a Go duration or a number of seconds.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Clone returns a copy that can be modified independently.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Render executes tmpl as a text/template with the parameters as data,
// e.g. "{{.user}}@tcp({{.host}}:{{.port}})/{{.database}}". Missing keys
// render as empty strings.
func (p Params) Render(tmpl string) (string, error) {
	t, err := template.New("connection").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse connection template: %w", err)
	}
	data := make(map[string]string, len(p))
	for k, v := range p {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render connection template: %w", err)
	}
	return buf.String(), nil
}

// Settings describes one configured engine.
type Settings struct {
	ID   string
	Name string
	Type string
	// SingleStatement engines receive the whole script as one statement.
	SingleStatement bool
	Params          Params
}

// WithProxyUser returns a copy whose proxy_user parameter is set to uid when
// the engine impersonates callers.
func (s Settings) WithProxyUser(uid string) Settings {
	if !s.Params.Bool(ParamImpersonate, false) || uid == "" {
		return s
	}
	s.Params = s.Params.Clone()
	s.Params[ParamProxyUser] = uid
	return s
}
