package testrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by PostgreSQL. The schema comes
// from the migrations package.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const testRequestCols = `id, patient_ref, doctor_ref, center_ref, test_type, test_description,
	urgency, status, version, assignment, collection, testing, results, report, review,
	created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*TestRequest, error) {
	var (
		tr  TestRequest
		sub subRecords
	)
	err := row.Scan(&tr.ID, &tr.PatientRef, &tr.DoctorRef, &tr.CenterRef, &tr.TestType, &tr.TestDescription,
		&tr.Urgency, &tr.Status, &tr.Version,
		&sub.assignment, &sub.collection, &sub.testing, &sub.results, &sub.report, &sub.review,
		&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := sub.decodeInto(&tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (r *repoPG) Create(ctx context.Context, tr *TestRequest) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	tr.Version = 0
	tr.Timeline = []TimelineEntry{}
	sub, err := encodeSubRecords(tr)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO test_request (id, patient_ref, doctor_ref, center_ref, test_type, test_description,
			urgency, status, version, assignment, collection, testing, results, report, review,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		tr.ID, tr.PatientRef, tr.DoctorRef, tr.CenterRef, tr.TestType, tr.TestDescription,
		tr.Urgency, tr.Status, tr.Version,
		sub.assignment, sub.collection, sub.testing, sub.results, sub.report, sub.review,
		tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert test request: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*TestRequest, error) {
	return r.get(ctx, r.conn(ctx), id, "")
}

func (r *repoPG) get(ctx context.Context, q queryable, id uuid.UUID, lock string) (*TestRequest, error) {
	tr, err := r.scan(q.QueryRow(ctx, `SELECT `+testRequestCols+` FROM test_request WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("select test request: %w", err)
	}
	if tr.Timeline, err = r.timeline(ctx, q, id); err != nil {
		return nil, err
	}
	return tr, nil
}

func (r *repoPG) timeline(ctx context.Context, q queryable, id uuid.UUID) ([]TimelineEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT from_state, to_state, event, actor_id, actor_role, occurred_at, note
		FROM test_request_timeline WHERE test_request_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	defer rows.Close()
	entries := []TimelineEntry{}
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.FromState, &e.ToState, &e.Event, &e.ActorID, &e.ActorRole, &e.Timestamp, &e.Note); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repoPG) Commit(ctx context.Context, id uuid.UUID, expectedVersion int, patch *Patch) (*TestRequest, error) {
	var out *TestRequest
	err := db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		current, err := r.get(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return versionConflictError(expectedVersion, current.Version)
		}

		patch.Apply(current)
		current.Version++
		sub, err := encodeSubRecords(current)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE test_request SET status=$3, version=$4,
				assignment=$5, collection=$6, testing=$7, results=$8, report=$9, review=$10, updated_at=$11
			WHERE id = $1 AND version = $2`,
			id, expectedVersion, current.Status, current.Version,
			sub.assignment, sub.collection, sub.testing, sub.results, sub.report, sub.review, current.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update test request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflictError(expectedVersion, -1)
		}

		e := patch.Entry
		_, err = tx.Exec(ctx, `
			INSERT INTO test_request_timeline (test_request_id, seq, from_state, to_state, event,
				actor_id, actor_role, occurred_at, note)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			id, current.Version, e.FromState, e.ToState, e.Event, e.ActorID, e.ActorRole, e.Timestamp, e.Note)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return versionConflictError(expectedVersion, -1)
			}
			return fmt.Errorf("insert timeline entry: %w", err)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*TestRequest, int, error) {
	where, args := pgFilter(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM test_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count test requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+testRequestCols+` FROM test_request`+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list test requests: %w", err)
	}
	defer rows.Close()
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

func pgFilter(f ListFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.DoctorRef != "" {
		add("doctor_ref = $%d", f.DoctorRef)
	}
	if f.CenterRef != "" {
		add("center_ref = $%d", f.CenterRef)
	}
	if f.Urgency != "" {
		add("urgency = $%d", string(f.Urgency))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

