package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/runloom/runloom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	input, err := marshalMapOrDefault(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, graph_id, definition, status, input, result, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.GraphID), string(def), string(run.Status),
		string(input), nullRaw(run.Result), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, definition, status, input, result, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, graph_id, definition, status, input, result, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// scanRun reads one run row via the given scan function.
func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		graphID                sql.NullString
		defJSON, status        string
		inputJSON              sql.NullString
		resultJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := scan(&run.ID, &graphID, &defJSON, &status, &inputJSON, &resultJSON, &errorJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.GraphID = graphID.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &run.Input)
	}
	run.Result = rawOrNil(resultJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

// AppendEvent inserts an event with its engine-assigned sequence.
// A duplicate (run_id, sequence) pair is rejected as a conflict.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Sequence <= 0 {
		return schema.NewError(schema.ErrCodeStore, "event sequence must be positive")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"duplicate sequence %d for run %s", event.Sequence, event.RunID).WithCause(err)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents is the historical replay query: timestamp-ordered, paginated,
// filterable by node and event type.
func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}

	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp ASC, sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastSequence returns the highest sequence persisted for a run, 0 if none.
func (s *LibSQLStore) LastSequence(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	return seq, err
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Checkpoints ---

// SaveCheckpoint appends a new versioned snapshot to the run's thread.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, runID string, snapshot []byte) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("next checkpoint version: %w", err)
	}

	cp := &Checkpoint{
		RunID:     runID,
		Version:   version,
		Snapshot:  json.RawMessage(snapshot),
		CreatedAt: time.Now().UTC(),
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, version, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		runID, version, string(snapshot), cp.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if cp.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return cp, nil
}

// LoadLatestCheckpoint returns the most recent snapshot for a run.
func (s *LibSQLStore) LoadLatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, version, snapshot, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY created_at DESC, version DESC LIMIT 1`, runID,
	).Scan(&cp.ID, &cp.RunID, &cp.Version, &snapshot, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", runID)
	}
	if err != nil {
		return nil, err
	}
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, nil
}

// DeleteThread removes every checkpoint for a run and returns the count.
func (s *LibSQLStore) DeleteThread(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	def, err := json.Marshal(sc.Definition)
	if err != nil {
		return fmt.Errorf("marshal schedule definition: %w", err)
	}
	input, err := marshalMapOrDefault(sc.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, graph_id, definition, cron_expression, input, enabled, last_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.GraphID, string(def), sc.CronExpr, string(input),
		boolToInt(sc.Enabled), nullTime(sc.LastRunAt), nullStr(sc.LastRunStatus), timeOrNow(sc.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, definition, cron_expression, input, enabled, last_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, graph_id, definition, cron_expression, input, enabled, last_run_at, last_run_status, created_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	sc := &Schedule{}
	var (
		defJSON       string
		inputJSON     sql.NullString
		enabled       int
		lastRunAt     sql.NullTime
		lastRunStatus sql.NullString
	)
	if err := scan(&sc.ID, &sc.GraphID, &defJSON, &sc.CronExpr, &inputJSON,
		&enabled, &lastRunAt, &lastRunStatus, &sc.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &sc.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal schedule definition: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &sc.Input)
	}
	sc.Enabled = enabled != 0
	sc.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	return sc, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RunloomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
