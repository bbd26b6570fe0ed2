package api

import (
	"time"

	"querybook/internal/domain"
	"querybook/internal/service/query"
)

// Error is the body of every non-2xx response.
type Error struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// SubmitRequest is the body of POST /api/query_executions and of the sync
// endpoint.
type SubmitRequest struct {
	Query    string `json:"query"`
	EngineID string `json:"engine_id"`
	UID      string `json:"uid"`
	Limit    int    `json:"limit,omitempty"` // sync only
}

// ExecutionError describes why an execution failed.
type ExecutionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// QueryExecution is the API view of an execution.
type QueryExecution struct {
	ID          string          `json:"id"`
	Query       string          `json:"query"`
	EngineID    string          `json:"engine_id"`
	UID         string          `json:"uid"`
	Status      string          `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	Progress    float64         `json:"progress"`
	Error       *ExecutionError `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StatementExecution is the API view of one statement.
type StatementExecution struct {
	ID             string     `json:"id"`
	Index          int        `json:"index"`
	RangeStart     int        `json:"range_start"`
	RangeEnd       int        `json:"range_end"`
	Status         string     `json:"status"`
	ResultRowCount int64      `json:"result_row_count"`
	HasResult      bool       `json:"has_result"`
	TrackingURL    string     `json:"tracking_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StatementList wraps the statements of one execution.
type StatementList struct {
	Statements []StatementExecution `json:"statements"`
}

// Result is a stored statement result.
type Result struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// DownloadURL is a time-limited link to a stored result.
type DownloadURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SyncResult is the response of the sync endpoint.
type SyncResult struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	Statements int      `json:"statements"`
	Truncated  bool     `json:"truncated"`
}

// === Mapping helpers ===

func executionToAPI(e *domain.QueryExecution, progress float64, rec *domain.QueryExecutionError) QueryExecution {
	out := QueryExecution{
		ID:          e.ID,
		Query:       e.Query,
		EngineID:    e.EngineID,
		UID:         e.UID,
		Status:      string(e.Status),
		TaskID:      e.TaskID,
		Progress:    progress,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		CompletedAt: e.CompletedAt,
	}
	if rec != nil {
		out.Error = &ExecutionError{
			Type:    string(rec.ErrorType),
			Message: rec.ErrorMessageExtracted,
			Line:    rec.Line,
		}
	}
	return out
}

func statusToAPI(st *query.Status) QueryExecution {
	return executionToAPI(st.Execution, st.Progress, st.Error)
}

func statementToAPI(s domain.StatementExecution) StatementExecution {
	return StatementExecution{
		ID:             s.ID,
		Index:          s.StatementIndex,
		RangeStart:     s.StatementRangeStart,
		RangeEnd:       s.StatementRangeEnd,
		Status:         string(s.Status),
		ResultRowCount: s.ResultRowCount,
		HasResult:      s.ResultPath != "",
		TrackingURL:    s.TrackingURL,
		CreatedAt:      s.CreatedAt,
		CompletedAt:    s.CompletedAt,
	}
}

func resultToAPI(records [][]string) Result {
	res := Result{Columns: []string{}, Rows: [][]string{}}
	if len(records) == 0 {
		return res
	}
	res.Columns = records[0]
	res.Rows = records[1:]
	return res
}
