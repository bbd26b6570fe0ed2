package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"querybook/internal/acl"
	"querybook/internal/domain"
	"querybook/internal/engine"
	"querybook/internal/splitter"
)

// DefaultSyncRowLimit caps the rows RunSync returns when no limit is given.
const DefaultSyncRowLimit = 1000

const syncPollInterval = 100 * time.Millisecond

// SyncResult holds the result of the last statement that produced one.
type SyncResult struct {
	Columns    []string
	Rows       [][]any
	Statements int
	Truncated  bool
}

// RunSync runs query inline and returns its rows without persisting
// anything. It is meant for short validation queries; long scripts belong
// in Submit.
func (s *Service) RunSync(ctx context.Context, query, engineID, uid string, limit int) (*SyncResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.ErrValidation("query is required")
	}
	if limit <= 0 {
		limit = DefaultSyncRowLimit
	}
	cfg, err := s.cfg.Engines.ResolveEngine(engineID)
	if err != nil {
		return nil, err
	}
	settings := cfg.Settings.WithProxyUser(uid)

	if cfg.Tables != nil {
		if err := acl.Check(cfg.Tables, splitter.ReferencedTables(query, cfg.DefaultSchema)); err != nil {
			return nil, err
		}
	}
	ranges := splitter.Split(query)
	if settings.SingleStatement {
		ranges = splitter.Whole(query)
	}
	if len(ranges) == 0 {
		return nil, domain.ErrValidation("query has no statements")
	}

	client, err := s.cfg.Registry.NewClient(ctx, settings)
	if err != nil {
		return nil, err
	}
	defer client.Close() //nolint:errcheck
	cur, err := client.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close() //nolint:errcheck

	res := &SyncResult{Statements: len(ranges)}
	for i, r := range ranges {
		if err := cur.Run(ctx, r.Of(query)); err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		if err := waitCursor(ctx, cur); err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		columns, ok := cur.Columns()
		if !ok {
			continue
		}
		rows, truncated, err := readRows(ctx, cur, limit)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		res.Columns, res.Rows, res.Truncated = columns, rows, truncated
	}
	return res, nil
}

// waitCursor polls cur until the statement finished. The statement is
// cancelled when ctx ends first.
func waitCursor(ctx context.Context, cur engine.Cursor) error {
	timer := time.NewTimer(syncPollInterval)
	defer timer.Stop()
	for {
		done, err := cur.Poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer.Reset(syncPollInterval)
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = cur.Cancel(cctx)
			return context.Cause(ctx)
		case <-timer.C:
		}
	}
}

func readRows(ctx context.Context, cur engine.Cursor, limit int) ([][]any, bool, error) {
	rows := [][]any{}
	for {
		row, err := cur.NextRow(ctx)
		if errors.Is(err, io.EOF) {
			return rows, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if len(rows) == limit {
			return rows, true, nil
		}
		rows = append(rows, row)
	}
}
