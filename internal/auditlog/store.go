package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidStoreID = errors.New("invalid store id")
)

// Metadata keys cached per project. The log remains the source of truth;
// these exist so summary reads never replay it.
const (
	MetaGoal        = "goal"
	MetaStatus      = "status"
	MetaPlan        = "plan"
	MetaActiveStep  = "active_step"
	MetaWorkspaceID = "workspace_id"
	MetaUserID      = "user_id"
	MetaProjectID   = "project_id"
	MetaCreatedAt   = "created_at"
	MetaUpdatedAt   = "updated_at"
)

// Store is one project's append-only log plus metadata cache, backed by
// its own SQLite file. A Store is safe for concurrent use; all writes are
// serialized through its mutex.
type Store struct {
	ProjectID string
	DB        *sql.DB
	Now       func() time.Time

	mu sync.Mutex
}

// Open opens (creating if needed) the store file at path.
func Open(path, projectID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store %s: %w", path, err)
	}
	return &Store{ProjectID: projectID, DB: conn, Now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append writes one immutable entry and returns its assigned id. The
// timestamp is assigned here; unset optional fields are stored as NULL.
func (s *Store) Append(ctx context.Context, e domain.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := s.appendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Record applies metadata updates and appends the entry in a single
// transaction, so the cache never advances without its log entry.
func (s *Store) Record(ctx context.Context, meta map[string]any, e domain.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.setMetadataTx(ctx, tx, k, meta[k]); err != nil {
			return 0, err
		}
	}
	id, err := s.appendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, e domain.LogEntry) (int64, error) {
	if e.Action == "" {
		return 0, fmt.Errorf("log entry requires an action")
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	params, err := marshalOptional(e.Params, len(e.Params) == 0)
	if err != nil {
		return 0, err
	}
	outputs, err := marshalOptional(e.Outputs, len(e.Outputs) == 0)
	if err != nil {
		return 0, err
	}
	thoughts, err := marshalOptional(e.Thoughts, e.Thoughts == nil)
	if err != nil {
		return 0, err
	}
	toolCalls, err := marshalOptional(e.ToolCalls, len(e.ToolCalls) == 0)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO entries(ts,action,step_id,step_name,workspace_id,params_json,outputs_json,thoughts_json,status_update,is_error,tool_calls_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, nullable(e.StepID), nullable(e.StepName), nullable(e.WorkspaceID),
		params, outputs, thoughts, nullable(e.StatusUpdate), boolToInt(e.IsError), toolCalls)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	return res.LastInsertId()
}

type QueryOptions struct {
	Limit   int
	Offset  int
	SortAsc bool
	// AfterID restricts the result to entries with a larger id; used by
	// pollers that keep a cursor.
	AfterID int64
}

// Query returns entries ordered by id, newest first unless SortAsc.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]domain.LogEntry, error) {
	order := "ORDER BY id DESC"
	if opts.SortAsc {
		order = "ORDER BY id ASC"
	}
	query := `SELECT id,ts,action,step_id,step_name,workspace_id,params_json,outputs_json,thoughts_json,status_update,is_error,tool_calls_json FROM entries `
	var args []any
	if opts.AfterID > 0 {
		query += "WHERE id > ? "
		args = append(args, opts.AfterID)
	}
	query += order
	switch {
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	case opts.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.LogEntry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the highest assigned entry id, 0 for an empty log.
func (s *Store) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM entries`).Scan(&id)
	return id, err
}

// Entry returns a single entry by id.
func (s *Store) Entry(ctx context.Context, id int64) (domain.LogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,action,step_id,step_name,workspace_id,params_json,outputs_json,thoughts_json,status_update,is_error,tool_calls_json FROM entries WHERE id=?`, id)
	if err != nil {
		return domain.LogEntry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.LogEntry{}, err
		}
		return domain.LogEntry{}, ErrNotFound
	}
	return s.scanEntry(rows)
}

func (s *Store) scanEntry(rows *sql.Rows) (domain.LogEntry, error) {
	var e domain.LogEntry
	var stepID, stepName, workspaceID, params, outputs, thoughts, statusUpdate, toolCalls sql.NullString
	var isError int
	if err := rows.Scan(&e.ID, &e.TS, &e.Action, &stepID, &stepName, &workspaceID, &params, &outputs, &thoughts, &statusUpdate, &isError, &toolCalls); err != nil {
		return domain.LogEntry{}, err
	}
	e.ProjectID = s.ProjectID
	e.StepID = stepID.String
	e.StepName = stepName.String
	e.WorkspaceID = workspaceID.String
	e.StatusUpdate = statusUpdate.String
	e.IsError = isError != 0
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &e.Params); err != nil {
			return domain.LogEntry{}, fmt.Errorf("entry %d params: %w", e.ID, err)
		}
	}
	if outputs.Valid {
		if err := json.Unmarshal([]byte(outputs.String), &e.Outputs); err != nil {
			return domain.LogEntry{}, fmt.Errorf("entry %d outputs: %w", e.ID, err)
		}
	}
	if thoughts.Valid {
		if err := json.Unmarshal([]byte(thoughts.String), &e.Thoughts); err != nil {
			return domain.LogEntry{}, fmt.Errorf("entry %d thoughts: %w", e.ID, err)
		}
	}
	if toolCalls.Valid {
		if err := json.Unmarshal([]byte(toolCalls.String), &e.ToolCalls); err != nil {
			return domain.LogEntry{}, fmt.Errorf("entry %d tool calls: %w", e.ID, err)
		}
	}
	return e, nil
}

// SetMetadata upserts one metadata key.
func (s *Store) SetMetadata(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMetadataTx(ctx, nil, key, value)
}

func (s *Store) setMetadataTx(ctx context.Context, tx *sql.Tx, key string, value any) error {
	if key == "" {
		return fmt.Errorf("metadata key required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", key, err)
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	query := `INSERT INTO metadata(key,value_json,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, key, string(data), ts)
	} else {
		_, err = s.DB.ExecContext(ctx, query, key, string(data), ts)
	}
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the raw JSON value for key, or ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value_json FROM metadata WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// GetMetadataString returns a string-valued key, "" with ErrNotFound when
// missing.
func (s *Store) GetMetadataString(ctx context.Context, key string) (string, error) {
	raw, err := s.GetMetadata(ctx, key)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("metadata %s is not a string: %w", key, err)
	}
	return v, nil
}

// Plan returns the cached plan snapshot, or nil when no plan is stored.
func (s *Store) Plan(ctx context.Context) ([]domain.Step, error) {
	raw, err := s.GetMetadata(ctx, MetaPlan)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var steps []domain.Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("plan snapshot: %w", err)
	}
	return steps, nil
}

// StatusSummary combines metadata and the most recent entries in one
// read. The shape is rendered directly by downstream consumers.
func (s *Store) StatusSummary(ctx context.Context, recent int) (domain.StatusSummary, error) {
	var sum domain.StatusSummary
	var err error
	if sum.Goal, err = s.metaStringOr(ctx, MetaGoal, ""); err != nil {
		return sum, err
	}
	status, err := s.metaStringOr(ctx, MetaStatus, string(domain.ProjectInitializing))
	if err != nil {
		return sum, err
	}
	sum.OverallStatus = domain.ProjectStatus(status)
	if sum.ActiveStepID, err = s.metaStringOr(ctx, MetaActiveStep, ""); err != nil {
		return sum, err
	}
	if sum.WorkspaceID, err = s.metaStringOr(ctx, MetaWorkspaceID, ""); err != nil {
		return sum, err
	}
	steps, err := s.Plan(ctx)
	if err != nil {
		return sum, err
	}
	sum.Plan = make([]domain.PlanStepSummary, 0, len(steps))
	for _, st := range steps {
		sum.Plan = append(sum.Plan, domain.PlanStepSummary{ID: st.ID, Name: st.Name, Status: st.Status})
	}
	if recent < 0 {
		recent = 0
	}
	logs, err := s.Query(ctx, QueryOptions{Limit: recent})
	if err != nil {
		return sum, err
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	sum.RecentLogs = logs
	return sum, nil
}

func (s *Store) metaStringOr(ctx context.Context, key, fallback string) (string, error) {
	v, err := s.GetMetadataString(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func marshalOptional(v any, unset bool) (any, error) {
	if unset {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal log field: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
