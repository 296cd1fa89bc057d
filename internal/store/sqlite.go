package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/pipesched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Pipeline schedule CRUD ---

const scheduleColumns = `id, name, pipeline_uuid, repo_path, schedule_type, schedule_interval,
	start_time, status, settings, variables, sla, token, created_at, updated_at`

func (s *SQLiteStore) CreateSchedule(ctx context.Context, ps *model.PipelineSchedule) error {
	s.logger.Debug("sql", "op", "insert", "table", "pipeline_schedules", "id", ps.ID)

	settingsJSON, err := json.Marshal(ps.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	variablesJSON, err := marshalMap(ps.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.ID, ps.Name, ps.PipelineUUID, ps.RepoPath, string(ps.ScheduleType), string(ps.ScheduleInterval),
		formatTimePtr(ps.StartTime), string(ps.Status), string(settingsJSON), variablesJSON,
		ps.SLA, ps.Token, formatTime(ps.CreatedAt), formatTime(ps.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.PipelineSchedule, error) {
	s.logger.Debug("sql", "op", "select", "table", "pipeline_schedules", "id", id)
	return scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM pipeline_schedules WHERE id = ?`, id))
}

func (s *SQLiteStore) GetScheduleByName(ctx context.Context, pipelineUUID, name string) (*model.PipelineSchedule, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "pipeline_schedules", "pipeline_uuid", pipelineUUID, "name", name)
	return scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM pipeline_schedules WHERE pipeline_uuid = ? AND name = ?`,
		pipelineUUID, name))
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, f model.ScheduleFilter) ([]*model.PipelineSchedule, error) {
	s.logger.Debug("sql", "op", "list", "table", "pipeline_schedules", "status", f.Status)

	var where []string
	var args []any
	if f.PipelineUUID != "" {
		where = append(where, "pipeline_uuid = ?")
		args = append(args, f.PipelineUUID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ScheduleType != "" {
		where = append(where, "schedule_type = ?")
		args = append(args, string(f.ScheduleType))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM pipeline_schedules`+whereClause(where)+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PipelineSchedule
	for rows.Next() {
		ps, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, ps *model.PipelineSchedule) error {
	s.logger.Debug("sql", "op", "update", "table", "pipeline_schedules", "id", ps.ID)

	settingsJSON, err := json.Marshal(ps.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	variablesJSON, err := marshalMap(ps.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_schedules SET name=?, repo_path=?, schedule_type=?, schedule_interval=?,
		 start_time=?, status=?, settings=?, variables=?, sla=?, token=?, updated_at=? WHERE id=?`,
		ps.Name, ps.RepoPath, string(ps.ScheduleType), string(ps.ScheduleInterval),
		formatTimePtr(ps.StartTime), string(ps.Status), string(settingsJSON), variablesJSON,
		ps.SLA, ps.Token, formatTime(ps.UpdatedAt), ps.ID,
	)
	return expectRow(result, err, "pipeline schedule", ps.ID)
}

// --- Pipeline run CRUD ---

const runColumns = `id, pipeline_schedule_id, pipeline_uuid, execution_date, status, variables,
	event_variables, passed_sla, metrics, backfill_id, executor_type, created_at, started_at,
	completed_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.PipelineRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "pipeline_runs", "id", r.ID)

	variablesJSON, err := marshalMap(r.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	eventJSON, err := marshalMap(r.EventVariables)
	if err != nil {
		return fmt.Errorf("marshal event variables: %w", err)
	}
	metricsJSON, err := marshalMap(r.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PipelineScheduleID, r.PipelineUUID, formatTime(r.ExecutionDate), string(r.Status),
		variablesJSON, eventJSON, r.PassedSLA, metricsJSON, r.BackfillID, r.ExecutorType,
		formatTime(r.CreatedAt), formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt),
		formatTime(r.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	s.logger.Debug("sql", "op", "select", "table", "pipeline_runs", "id", id)
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
}

func runFilterClause(f model.RunFilter) (string, []any) {
	var where []string
	var args []any
	if f.PipelineScheduleID != "" {
		where = append(where, "pipeline_schedule_id = ?")
		args = append(args, f.PipelineScheduleID)
	}
	if f.PipelineUUID != "" {
		where = append(where, "pipeline_uuid = ?")
		args = append(args, f.PipelineUUID)
	}
	if f.BackfillID != "" {
		where = append(where, "backfill_id = ?")
		args = append(args, f.BackfillID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.ExecutionDate != nil {
		where = append(where, "execution_date = ?")
		args = append(args, formatTime(*f.ExecutionDate))
	}
	return whereClause(where), args
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f model.RunFilter) ([]*model.PipelineRun, error) {
	s.logger.Debug("sql", "op", "list", "table", "pipeline_runs",
		"schedule_id", f.PipelineScheduleID, "statuses", f.Statuses, "limit", f.Limit)
	f.Clamp()

	clause, args := runFilterClause(f)
	order := " ORDER BY execution_date, created_at"
	if f.NewestFirst {
		order = " ORDER BY execution_date DESC, created_at DESC"
	}
	query := `SELECT ` + runColumns + ` FROM pipeline_runs` + clause + order
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountRuns(ctx context.Context, f model.RunFilter) (int, error) {
	clause, args := runFilterClause(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`+clause, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.PipelineRun) error {
	s.logger.Debug("sql", "op", "update", "table", "pipeline_runs", "id", r.ID, "status", r.Status)

	variablesJSON, err := marshalMap(r.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	metricsJSON, err := marshalMap(r.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status=?, variables=?, passed_sla=?, metrics=?, executor_type=?,
		 started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		string(r.Status), variablesJSON, r.PassedSLA, metricsJSON, r.ExecutorType,
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt), formatTime(r.UpdatedAt), r.ID,
	)
	return expectRow(result, err, "pipeline run", r.ID)
}

// TransitionRun writes r only while the stored status is one of from, so
// concurrent schedulers cannot both move a run out of the same state.
func (s *SQLiteStore) TransitionRun(ctx context.Context, r *model.PipelineRun, from ...model.RunStatus) (bool, error) {
	s.logger.Debug("sql", "op", "transition", "table", "pipeline_runs", "id", r.ID, "status", r.Status)
	if len(from) == 0 {
		return false, nil
	}

	variablesJSON, err := marshalMap(r.Variables)
	if err != nil {
		return false, fmt.Errorf("marshal variables: %w", err)
	}
	metricsJSON, err := marshalMap(r.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}

	args := []any{
		string(r.Status), variablesJSON, r.PassedSLA, metricsJSON, r.ExecutorType,
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt), formatTime(r.UpdatedAt), r.ID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status=?, variables=?, passed_sla=?, metrics=?, executor_type=?,
		 started_at=?, completed_at=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateRunMetrics replaces only the metrics column of a run.
func (s *SQLiteStore) UpdateRunMetrics(ctx context.Context, id string, metrics map[string]any) error {
	s.logger.Debug("sql", "op", "update_metrics", "table", "pipeline_runs", "id", id)

	metricsJSON, err := marshalMap(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET metrics=?, updated_at=? WHERE id=?`,
		metricsJSON, formatTime(time.Now()), id,
	)
	return expectRow(result, err, "pipeline run", id)
}

// SetRunMetric merges one key into the stored metrics of a run, leaving the
// other keys as they are in the database.
func (s *SQLiteStore) SetRunMetric(ctx context.Context, id, key string, value any) error {
	s.logger.Debug("sql", "op", "set_metric", "table", "pipeline_runs", "id", id, "key", key)

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal metric %s: %w", key, err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET
		 metrics = json_set(CASE WHEN json_type(metrics) = 'object' THEN metrics ELSE '{}' END, ?, json(?)),
		 updated_at = ? WHERE id = ?`,
		`$."`+key+`"`, string(valueJSON), formatTime(time.Now()), id,
	)
	return expectRow(result, err, "pipeline run", id)
}

// --- Block run CRUD ---

const blockRunColumns = `id, pipeline_run_id, block_uuid, status, metrics, output, error,
	created_at, started_at, completed_at, updated_at`

// CreateBlockRuns inserts the rows in one transaction so a run never exists
// with half of its block runs.
func (s *SQLiteStore) CreateBlockRuns(ctx context.Context, runs []*model.BlockRun) error {
	if len(runs) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert_batch", "table", "block_runs",
		"pipeline_run_id", runs[0].PipelineRunID, "count", len(runs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertBlockRuns(ctx, tx, runs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertBlockRuns(ctx context.Context, db execer, runs []*model.BlockRun) error {
	if len(runs) == 0 {
		return nil
	}
	stmt, err := db.PrepareContext(ctx,
		`INSERT INTO block_runs (`+blockRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, br := range runs {
		metricsJSON, err := marshalMap(br.Metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		outputJSON, err := marshalList(br.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			br.ID, br.PipelineRunID, br.BlockUUID, string(br.Status), metricsJSON, outputJSON, br.Error,
			formatTime(br.CreatedAt), formatTimePtr(br.StartedAt), formatTimePtr(br.CompletedAt),
			formatTime(br.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert block run %s: %w", br.BlockUUID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetBlockRun(ctx context.Context, id string) (*model.BlockRun, error) {
	s.logger.Debug("sql", "op", "select", "table", "block_runs", "id", id)
	return scanBlockRun(s.db.QueryRowContext(ctx,
		`SELECT `+blockRunColumns+` FROM block_runs WHERE id = ?`, id))
}

func (s *SQLiteStore) GetBlockRunByUUID(ctx context.Context, pipelineRunID, blockUUID string) (*model.BlockRun, error) {
	s.logger.Debug("sql", "op", "select_by_uuid", "table", "block_runs", "pipeline_run_id", pipelineRunID, "block_uuid", blockUUID)
	return scanBlockRun(s.db.QueryRowContext(ctx,
		`SELECT `+blockRunColumns+` FROM block_runs WHERE pipeline_run_id = ? AND block_uuid = ?`,
		pipelineRunID, blockUUID))
}

func (s *SQLiteStore) ListBlockRuns(ctx context.Context, pipelineRunID string) ([]*model.BlockRun, error) {
	s.logger.Debug("sql", "op", "list", "table", "block_runs", "pipeline_run_id", pipelineRunID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockRunColumns+` FROM block_runs WHERE pipeline_run_id = ? ORDER BY created_at, block_uuid`,
		pipelineRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BlockRun
	for rows.Next() {
		br, err := scanBlockRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountBlockRuns(ctx context.Context, pipelineRunID string, statuses ...model.BlockRunStatus) (int, error) {
	query := `SELECT COUNT(*) FROM block_runs WHERE pipeline_run_id = ?`
	args := []any{pipelineRunID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// TransitionBlockRun writes br only while the stored status is one of from
// and reports whether it did.
func (s *SQLiteStore) TransitionBlockRun(ctx context.Context, br *model.BlockRun, from ...model.BlockRunStatus) (bool, error) {
	s.logger.Debug("sql", "op", "transition", "table", "block_runs", "id", br.ID, "status", br.Status)
	return transitionBlockRun(ctx, s.db, br, from)
}

// CompleteBlockRun transitions br and inserts children in one transaction, so
// readers never see a finished parent without the block runs it spawned.
func (s *SQLiteStore) CompleteBlockRun(ctx context.Context, br *model.BlockRun, children []*model.BlockRun, from ...model.BlockRunStatus) (bool, error) {
	s.logger.Debug("sql", "op", "complete", "table", "block_runs", "id", br.ID,
		"status", br.Status, "children", len(children))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ok, err := transitionBlockRun(ctx, tx, br, from)
	if err != nil || !ok {
		return false, err
	}
	if err := insertBlockRuns(ctx, tx, children); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// UpdateBlockRunStatuses applies one status to a set of block runs inside a
// transaction. With from set, rows in any other status are left alone.
func (s *SQLiteStore) UpdateBlockRunStatuses(ctx context.Context, ids []string, status model.BlockRunStatus, completedAt *time.Time, from ...model.BlockRunStatus) error {
	if len(ids) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "update_batch", "table", "block_runs", "count", len(ids), "status", status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	args := []any{string(status), formatTimePtr(completedAt), formatTime(time.Now().UTC())}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE block_runs SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `)`
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update statuses: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func transitionBlockRun(ctx context.Context, db execer, br *model.BlockRun, from []model.BlockRunStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	metricsJSON, err := marshalMap(br.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	outputJSON, err := marshalList(br.Output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}

	args := []any{
		string(br.Status), metricsJSON, outputJSON, br.Error,
		formatTimePtr(br.StartedAt), formatTimePtr(br.CompletedAt), formatTime(br.UpdatedAt), br.ID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	result, err := db.ExecContext(ctx,
		`UPDATE block_runs SET status=?, metrics=?, output=?, error=?, started_at=?, completed_at=?,
		 updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// --- Backfill CRUD ---

const backfillColumns = `id, name, pipeline_uuid, pipeline_schedule_id, start_datetime, end_datetime,
	interval_type, interval_units, status, variables, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateBackfill(ctx context.Context, b *model.Backfill) error {
	s.logger.Debug("sql", "op", "insert", "table", "backfills", "id", b.ID)

	variablesJSON, err := marshalMap(b.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backfills (`+backfillColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.PipelineUUID, b.PipelineScheduleID,
		formatTime(b.StartDatetime), formatTime(b.EndDatetime), string(b.IntervalType), b.IntervalUnits,
		string(b.Status), variablesJSON, formatTime(b.CreatedAt),
		formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetBackfill(ctx context.Context, id string) (*model.Backfill, error) {
	s.logger.Debug("sql", "op", "select", "table", "backfills", "id", id)
	return scanBackfill(s.db.QueryRowContext(ctx,
		`SELECT `+backfillColumns+` FROM backfills WHERE id = ?`, id))
}

func (s *SQLiteStore) ListBackfills(ctx context.Context) ([]*model.Backfill, error) {
	s.logger.Debug("sql", "op", "list", "table", "backfills")

	rows, err := s.db.QueryContext(ctx, `SELECT `+backfillColumns+` FROM backfills ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Backfill
	for rows.Next() {
		b, err := scanBackfill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBackfill(ctx context.Context, b *model.Backfill) error {
	s.logger.Debug("sql", "op", "update", "table", "backfills", "id", b.ID, "status", b.Status)

	result, err := s.db.ExecContext(ctx,
		`UPDATE backfills SET pipeline_schedule_id=?, status=?, started_at=?, completed_at=? WHERE id=?`,
		b.PipelineScheduleID, string(b.Status), formatTimePtr(b.StartedAt), formatTimePtr(b.CompletedAt), b.ID,
	)
	return expectRow(result, err, "backfill", b.ID)
}

// --- Event matchers ---

func (s *SQLiteStore) CreateEventMatcher(ctx context.Context, m *model.EventMatcher) error {
	s.logger.Debug("sql", "op", "insert", "table", "event_matchers", "id", m.ID)

	patternJSON, err := marshalMap(m.Pattern)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_matchers (id, name, pattern, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, patternJSON, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	); err != nil {
		return err
	}
	for _, sid := range m.ScheduleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_matcher_schedules (event_matcher_id, pipeline_schedule_id) VALUES (?, ?)`,
			m.ID, sid,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AttachEventMatcher(ctx context.Context, matcherID, scheduleID string) error {
	s.logger.Debug("sql", "op", "insert", "table", "event_matcher_schedules", "matcher_id", matcherID, "schedule_id", scheduleID)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_matcher_schedules (event_matcher_id, pipeline_schedule_id) VALUES (?, ?)`,
		matcherID, scheduleID)
	return err
}

func (s *SQLiteStore) ListEventMatchers(ctx context.Context) ([]*model.EventMatcher, error) {
	s.logger.Debug("sql", "op", "list", "table", "event_matchers")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, pattern, created_at, updated_at FROM event_matchers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []*model.EventMatcher
	byID := make(map[string]*model.EventMatcher)
	for rows.Next() {
		var m model.EventMatcher
		var patternJSON, createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.Name, &patternJSON, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(patternJSON), &m.Pattern); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal pattern: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		m.UpdatedAt = parseTime(updatedAt)
		out = append(out, &m)
		byID[m.ID] = &m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links, err := s.db.QueryContext(ctx,
		`SELECT event_matcher_id, pipeline_schedule_id FROM event_matcher_schedules ORDER BY pipeline_schedule_id`)
	if err != nil {
		return nil, err
	}
	defer links.Close()
	for links.Next() {
		var mid, sid string
		if err := links.Scan(&mid, &sid); err != nil {
			return nil, err
		}
		if m, ok := byID[mid]; ok {
			m.ScheduleIDs = append(m.ScheduleIDs, sid)
		}
	}
	return out, links.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*model.PipelineSchedule, error) {
	var ps model.PipelineSchedule
	var scheduleType, interval, status, settingsJSON, variablesJSON, createdAt, updatedAt string
	var startTime *string

	err := row.Scan(&ps.ID, &ps.Name, &ps.PipelineUUID, &ps.RepoPath, &scheduleType, &interval,
		&startTime, &status, &settingsJSON, &variablesJSON, &ps.SLA, &ps.Token, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ps.ScheduleType = model.ScheduleType(scheduleType)
	ps.ScheduleInterval = model.ScheduleInterval(interval)
	ps.Status = model.ScheduleStatus(status)
	if err := json.Unmarshal([]byte(settingsJSON), &ps.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal([]byte(variablesJSON), &ps.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	ps.StartTime = parseTimePtr(startTime)
	ps.CreatedAt = parseTime(createdAt)
	ps.UpdatedAt = parseTime(updatedAt)
	return &ps, nil
}

func scanRun(row scanner) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var executionDate, status, variablesJSON, eventJSON, metricsJSON, createdAt, updatedAt string
	var startedAt, completedAt *string

	err := row.Scan(&r.ID, &r.PipelineScheduleID, &r.PipelineUUID, &executionDate, &status,
		&variablesJSON, &eventJSON, &r.PassedSLA, &metricsJSON, &r.BackfillID, &r.ExecutorType,
		&createdAt, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(variablesJSON), &r.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal([]byte(eventJSON), &r.EventVariables); err != nil {
		return nil, fmt.Errorf("unmarshal event variables: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &r.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	r.ExecutionDate = parseTime(executionDate)
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTimePtr(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanBlockRun(row scanner) (*model.BlockRun, error) {
	var br model.BlockRun
	var status, metricsJSON, outputJSON, createdAt, updatedAt string
	var startedAt, completedAt *string

	err := row.Scan(&br.ID, &br.PipelineRunID, &br.BlockUUID, &status, &metricsJSON, &outputJSON,
		&br.Error, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	br.Status = model.BlockRunStatus(status)
	if err := json.Unmarshal([]byte(metricsJSON), &br.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &br.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	br.CreatedAt = parseTime(createdAt)
	br.StartedAt = parseTimePtr(startedAt)
	br.CompletedAt = parseTimePtr(completedAt)
	br.UpdatedAt = parseTime(updatedAt)
	return &br, nil
}

func scanBackfill(row scanner) (*model.Backfill, error) {
	var b model.Backfill
	var start, end, intervalType, status, variablesJSON, createdAt string
	var startedAt, completedAt *string

	err := row.Scan(&b.ID, &b.Name, &b.PipelineUUID, &b.PipelineScheduleID, &start, &end,
		&intervalType, &b.IntervalUnits, &status, &variablesJSON, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.IntervalType = model.IntervalType(intervalType)
	b.Status = model.BackfillStatus(status)
	if err := json.Unmarshal([]byte(variablesJSON), &b.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	b.StartDatetime = parseTime(start)
	b.EndDatetime = parseTime(end)
	b.CreatedAt = parseTime(createdAt)
	b.StartedAt = parseTimePtr(startedAt)
	b.CompletedAt = parseTimePtr(completedAt)
	return &b, nil
}

// --- encoding helpers ---

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func marshalList(l []any) (string, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func expectRow(result sql.Result, err error, entity, id string) error {
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %s not found", entity, id)
	}
	return nil
}
