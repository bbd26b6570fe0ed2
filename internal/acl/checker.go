// Package acl decides which metastore tables an engine may query.
package acl

import (
	"fmt"
	"path"
	"strings"

	"querybook/internal/domain"
)

// Mode selects how the table list is interpreted.
type Mode string

// ACL modes. An empty mode allows every table.
const (
	ModeNone      Mode = ""
	ModeAllowList Mode = "allowlist"
	ModeDenyList  Mode = "denylist"
)

var _ domain.TableChecker = (*Checker)(nil)

// Checker matches schema.table names against glob patterns ("sales.*",
// "*.tmp_*", "finance"). A pattern without a dot names a whole schema.
// Matching is case-insensitive.
type Checker struct {
	mode     Mode
	patterns []string
}

// NewChecker validates the patterns and returns a Checker.
func NewChecker(mode Mode, tables []string) (*Checker, error) {
	switch mode {
	case ModeNone, ModeAllowList, ModeDenyList:
	default:
		return nil, fmt.Errorf("unknown acl mode %q (want %q or %q)", mode, ModeAllowList, ModeDenyList)
	}

	patterns := make([]string, 0, len(tables))
	for _, t := range tables {
		p := strings.ToLower(strings.TrimSpace(t))
		if p == "" {
			continue
		}
		if !strings.Contains(p, ".") {
			p += ".*"
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", t, err)
		}
		patterns = append(patterns, p)
	}
	return &Checker{mode: mode, patterns: patterns}, nil
}

// AllowAll returns a Checker that accepts every table.
func AllowAll() *Checker { return &Checker{} }

// IsTableValid reports whether schema.table may be queried.
func (c *Checker) IsTableValid(schema, table string) bool {
	if c == nil || c.mode == ModeNone {
		return true
	}
	name := strings.ToLower(schema + "." + table)
	matched := false
	for _, p := range c.patterns {
		if ok, _ := path.Match(p, name); ok {
			matched = true
			break
		}
	}
	if c.mode == ModeAllowList {
		return matched
	}
	return !matched
}

// Check returns a ValidationError naming the first disallowed table.
func Check(c domain.TableChecker, tables []domain.TableRef) error {
	for _, t := range tables {
		if !c.IsTableValid(t.Schema, t.Table) {
			return domain.ErrValidation("table %s is not allowed by this metastore", t.String())
		}
	}
	return nil
}
