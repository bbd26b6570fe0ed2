package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"querybook/internal/domain"
	"querybook/internal/resultstore"
)

// upload streams the current statement's result set into the result store
// as CSV: a header line followed by one line per row. Statements without a
// result set store nothing.
func (e *QueryExecutor) upload(ctx context.Context, stmt *domain.StatementExecution) (int64, string, error) {
	columns, ok := e.cursor.Columns()
	if !ok {
		return 0, "", nil
	}

	up := e.deps.Results.NewUploader(fmt.Sprintf("%s/%s.csv", e.execution.ID, stmt.ID))
	if err := up.Start(ctx); err != nil {
		return 0, "", err
	}
	var count int64
	fields := make([]string, 0, len(columns))
	full := !up.Write(resultstore.EncodeRow(columns))
	if full {
		e.logger.Info("result size limit reached", "statement_id", stmt.ID, "rows", count)
	}
	for !full {
		row, err := e.cursor.NextRow(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, "", fmt.Errorf("read result row: %w", err)
		}
		fields = fields[:0]
		for _, v := range row {
			fields = append(fields, FormatValue(v))
		}
		if !up.Write(resultstore.EncodeRow(fields)) {
			e.logger.Info("result size limit reached", "statement_id", stmt.ID, "rows", count)
			break
		}
		count++
	}

	path, err := up.End(ctx)
	if err != nil {
		return 0, "", err
	}
	return count, path, nil
}

// FormatValue renders a driver value as text, the way results are stored.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
