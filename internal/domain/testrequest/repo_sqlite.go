package testrequest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS test_request (
	id               TEXT PRIMARY KEY,
	patient_ref      TEXT NOT NULL,
	doctor_ref       TEXT NOT NULL,
	center_ref       TEXT NOT NULL,
	test_type        TEXT NOT NULL,
	test_description TEXT NOT NULL DEFAULT '',
	urgency          TEXT NOT NULL,
	status           TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0,
	assignment       BLOB,
	collection       BLOB,
	testing          BLOB,
	results          BLOB,
	report           BLOB,
	review           BLOB,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_request_center_status ON test_request (center_ref, status);
CREATE INDEX IF NOT EXISTS idx_test_request_doctor ON test_request (doctor_ref);
CREATE TABLE IF NOT EXISTS test_request_timeline (
	test_request_id TEXT NOT NULL REFERENCES test_request (id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	from_state      TEXT NOT NULL,
	to_state        TEXT NOT NULL,
	event           TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	actor_role      TEXT NOT NULL,
	occurred_at     TEXT NOT NULL,
	note            TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (test_request_id, seq)
);`

// SQLiteRepository stores aggregates in a single SQLite file. Writes are
// serialized through one connection; the version predicate on UPDATE still
// decides which of two racing commits wins.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepoSQLite opens (or creates) the database at path and ensures the
// schema exists. ":memory:" gives a private in-memory database.
func NewRepoSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	if path == "" {
		path = "labflow.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteRepository{db: conn}, nil
}

// Ping reports whether the database file is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *SQLiteRepository) Close() error { return r.db.Close() }

// timeLayout is fixed width so stored strings sort in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) scan(row rowScanner) (*TestRequest, error) {
	var (
		tr                   TestRequest
		sub                  subRecords
		id, created, updated string
	)
	err := row.Scan(&id, &tr.PatientRef, &tr.DoctorRef, &tr.CenterRef, &tr.TestType, &tr.TestDescription,
		&tr.Urgency, &tr.Status, &tr.Version,
		&sub.assignment, &sub.collection, &sub.testing, &sub.results, &sub.report, &sub.review,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if tr.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id %q: %w", id, err)
	}
	if tr.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if tr.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := sub.decodeInto(&tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, tr *TestRequest) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	tr.Version = 0
	tr.Timeline = []TimelineEntry{}
	sub, err := encodeSubRecords(tr)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO test_request (id, patient_ref, doctor_ref, center_ref, test_type, test_description,
			urgency, status, version, assignment, collection, testing, results, report, review,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		tr.ID.String(), tr.PatientRef, tr.DoctorRef, tr.CenterRef, tr.TestType, tr.TestDescription,
		string(tr.Urgency), string(tr.Status), tr.Version,
		sub.assignment, sub.collection, sub.testing, sub.results, sub.report, sub.review,
		formatTime(tr.CreatedAt), formatTime(tr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert test request: %w", err)
	}
	return nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*TestRequest, error) {
	return r.get(ctx, r.db, id)
}

func (r *SQLiteRepository) get(ctx context.Context, q sqlQueryer, id uuid.UUID) (*TestRequest, error) {
	tr, err := r.scan(q.QueryRowContext(ctx, `SELECT `+testRequestCols+` FROM test_request WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("select test request: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT from_state, to_state, event, actor_id, actor_role, occurred_at, note
		FROM test_request_timeline WHERE test_request_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()
	tr.Timeline = []TimelineEntry{}
	for rows.Next() {
		var (
			e  TimelineEntry
			at string
		)
		if err := rows.Scan(&e.FromState, &e.ToState, &e.Event, &e.ActorID, &e.ActorRole, &at, &e.Note); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		if e.Timestamp, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		tr.Timeline = append(tr.Timeline, e)
	}
	return tr, rows.Err()
}

func (r *SQLiteRepository) Commit(ctx context.Context, id uuid.UUID, expectedVersion int, patch *Patch) (_ *TestRequest, retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := r.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, versionConflictError(expectedVersion, current.Version)
	}

	patch.Apply(current)
	current.Version++
	sub, err := encodeSubRecords(current)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE test_request SET status=?, version=?,
			assignment=?, collection=?, testing=?, results=?, report=?, review=?, updated_at=?
		WHERE id = ? AND version = ?`,
		string(current.Status), current.Version,
		sub.assignment, sub.collection, sub.testing, sub.results, sub.report, sub.review,
		formatTime(current.UpdatedAt), id.String(), expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update test request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("update test request: %w", err)
	} else if n == 0 {
		return nil, versionConflictError(expectedVersion, -1)
	}

	e := patch.Entry
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO test_request_timeline (test_request_id, seq, from_state, to_state, event,
			actor_id, actor_role, occurred_at, note)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		id.String(), current.Version, string(e.FromState), string(e.ToState), string(e.Event),
		e.ActorID, string(e.ActorRole), formatTime(e.Timestamp), e.Note); err != nil {
		return nil, fmt.Errorf("insert timeline entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return current, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f ListFilter) ([]*TestRequest, int, error) {
	var (
		clauses []string
		args    []any
	)
	if f.DoctorRef != "" {
		clauses, args = append(clauses, "doctor_ref = ?"), append(args, f.DoctorRef)
	}
	if f.CenterRef != "" {
		clauses, args = append(clauses, "center_ref = ?"), append(args, f.CenterRef)
	}
	if f.Urgency != "" {
		clauses, args = append(clauses, "urgency = ?"), append(args, string(f.Urgency))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count test requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := r.db.QueryContext(ctx, `SELECT `+testRequestCols+` FROM test_request`+where+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list test requests: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var items []*TestRequest
	for rows.Next() {
		tr, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, tr)
	}
	return items, total, rows.Err()
}
