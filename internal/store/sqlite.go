package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailagent/internal/model"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serialises writers and keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// outcomeRow is the database shape of model.Outcome.
type outcomeRow struct {
	ID         string `db:"id"`
	RunID      string `db:"run_id"`
	MessageID  string `db:"message_id"`
	Sender     string `db:"sender"`
	Subject    string `db:"subject"`
	Category   string `db:"category"`
	Kind       string `db:"kind"`
	Reason     string `db:"reason"`
	ReplyID    string `db:"reply_id"`
	RecordedAt string `db:"recorded_at"`
}

// Record appends an outcome. An empty ID is replaced by a new UUID and a
// zero RecordedAt by the current time.
func (s *SQLiteStore) Record(ctx context.Context, o model.Outcome) error {
	if !o.Kind.Valid() {
		return fmt.Errorf("recording outcome for message %s: unknown kind %q", o.MessageID, o.Kind)
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}

	row := outcomeRow{
		ID:         o.ID,
		RunID:      o.RunID,
		MessageID:  o.MessageID,
		Sender:     o.Sender,
		Subject:    o.Subject,
		Category:   string(o.Category),
		Kind:       string(o.Kind),
		Reason:     o.Reason,
		ReplyID:    o.ReplyID,
		RecordedAt: formatTime(o.RecordedAt),
	}

	const query = `
		INSERT INTO outcomes (
			id, run_id, message_id, sender, subject,
			category, kind, reason, reply_id, recorded_at
		) VALUES (
			:id, :run_id, :message_id, :sender, :subject,
			:category, :kind, :reason, :reply_id, :recorded_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("recording outcome for message %s: %w", o.MessageID, err)
	}

	return nil
}

// Query retrieves outcomes matching the filter, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f OutcomeFilter) ([]model.Outcome, error) {
	var conditions []string
	var args []interface{}

	if f.MessageID != nil {
		conditions = append(conditions, "message_id = ?")
		args = append(args, *f.MessageID)
	}
	if f.Sender != nil {
		conditions = append(conditions, "LOWER(sender) = ?")
		args = append(args, strings.ToLower(*f.Sender))
	}
	if f.RunID != nil {
		conditions = append(conditions, "run_id = ?")
		args = append(args, *f.RunID)
	}
	if f.Kind != nil {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(*f.Kind))
	}
	if f.Since != nil {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, formatTime(*f.Since))
	}

	query := "SELECT * FROM outcomes"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY recorded_at DESC, rowid DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}

	outcomes := make([]model.Outcome, 0, len(rows))
	for _, r := range rows {
		o, err := r.toModel()
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, nil
}

// HasSent reports whether a sent outcome exists for the message.
func (s *SQLiteStore) HasSent(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM outcomes WHERE message_id = ? AND kind = ?",
		messageID, string(model.OutcomeSent),
	)
	if err != nil {
		return false, fmt.Errorf("checking sent outcome for message %s: %w", messageID, err)
	}
	return count > 0, nil
}

func (r outcomeRow) toModel() (model.Outcome, error) {
	recordedAt, err := parseTime(r.RecordedAt)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("scanning outcome %s: %w", r.ID, err)
	}

	return model.Outcome{
		ID:         r.ID,
		RunID:      r.RunID,
		MessageID:  r.MessageID,
		Sender:     r.Sender,
		Subject:    r.Subject,
		Category:   model.Category(r.Category),
		Kind:       model.OutcomeKind(r.Kind),
		Reason:     r.Reason,
		ReplyID:    r.ReplyID,
		RecordedAt: recordedAt,
	}, nil
}

// runRow is the database shape of model.RunRecord.
type runRow struct {
	ID              string `db:"id"`
	Trigger         string `db:"trigger_kind"`
	StartedAt       string `db:"started_at"`
	FinishedAt      string `db:"finished_at"`
	MessagesFetched int    `db:"messages_fetched"`
	OutcomesByKind  string `db:"outcomes_by_kind"`
	QuietHours      int    `db:"quiet_hours"`
	Canceled        int    `db:"canceled"`
	Error           string `db:"error"`
}

// RecordRun stores a run summary. Recording the same run twice replaces it.
func (s *SQLiteStore) RecordRun(ctx context.Context, r model.RunRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	counts, err := json.Marshal(r.OutcomesByKind)
	if err != nil {
		return fmt.Errorf("marshaling outcome counts for run %s: %w", r.ID, err)
	}

	row := runRow{
		ID:              r.ID,
		Trigger:         string(r.Trigger),
		StartedAt:       formatTime(r.StartedAt),
		FinishedAt:      formatTime(r.FinishedAt),
		MessagesFetched: r.MessagesFetched,
		OutcomesByKind:  string(counts),
		QuietHours:      boolToInt(r.QuietHours),
		Canceled:        boolToInt(r.Canceled),
		Error:           r.Error,
	}

	const query = `
		INSERT OR REPLACE INTO runs (
			id, trigger_kind, started_at, finished_at, messages_fetched,
			outcomes_by_kind, quiet_hours, canceled, error
		) VALUES (
			:id, :trigger_kind, :started_at, :finished_at, :messages_fetched,
			:outcomes_by_kind, :quiet_hours, :canceled, :error
		)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}

	return nil
}

// GetRuns returns the most recent runs, newest first.
func (s *SQLiteStore) GetRuns(ctx context.Context, limit int) ([]model.RunRecord, error) {
	query := "SELECT * FROM runs ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}

	runs := make([]model.RunRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, nil
}

func (r runRow) toModel() (model.RunRecord, error) {
	startedAt, err := parseTime(r.StartedAt)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("scanning run %s: %w", r.ID, err)
	}
	finishedAt, err := parseTime(r.FinishedAt)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("scanning run %s: %w", r.ID, err)
	}

	counts := make(map[model.OutcomeKind]int)
	if r.OutcomesByKind != "" {
		if err := json.Unmarshal([]byte(r.OutcomesByKind), &counts); err != nil {
			return model.RunRecord{}, fmt.Errorf("unmarshaling outcome counts: %w", err)
		}
	}

	return model.RunRecord{
		ID:              r.ID,
		Trigger:         model.RunTrigger(r.Trigger),
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		MessagesFetched: r.MessagesFetched,
		OutcomesByKind:  counts,
		QuietHours:      r.QuietHours != 0,
		Canceled:        r.Canceled != 0,
		Error:           r.Error,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
