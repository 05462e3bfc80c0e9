package testrequest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repository persists test request aggregates with optimistic versioning.
type Repository interface {
	// Create stores tr at version 0. A zero ID is replaced with a new one.
	Create(ctx context.Context, tr *TestRequest) error
	// Get returns the aggregate with its full timeline, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*TestRequest, error)
	// Commit applies patch atomically if the stored version equals
	// expectedVersion and returns the aggregate at the next version.
	// It fails with ErrVersionConflict or ErrNotFound otherwise.
	Commit(ctx context.Context, id uuid.UUID, expectedVersion int, patch *Patch) (*TestRequest, error)
	// List returns one page of matching requests, newest first, without
	// timelines, and the total match count.
	List(ctx context.Context, f ListFilter) ([]*TestRequest, int, error)
}

// ListFilter narrows read-side listings. Empty fields match everything.
type ListFilter struct {
	DoctorRef string
	CenterRef string
	Statuses  []Status
	Urgency   Urgency
	Limit     int
	Offset    int
}

// Matches reports whether tr satisfies f, ignoring paging.
func (f ListFilter) Matches(tr *TestRequest) bool {
	if f.DoctorRef != "" && tr.DoctorRef != f.DoctorRef {
		return false
	}
	if f.CenterRef != "" && tr.CenterRef != f.CenterRef {
		return false
	}
	if f.Urgency != "" && tr.Urgency != f.Urgency {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if tr.Status == s {
			return true
		}
	}
	return false
}

// subRecords is the column encoding of the optional sub-records shared by
// the SQL drivers. A nil slice is stored as NULL.
type subRecords struct {
	assignment, collection, testing, results, report, review []byte
}

func encodeSubRecords(tr *TestRequest) (subRecords, error) {
	var (
		s   subRecords
		err error
	)
	if s.assignment, err = encodeSub(tr.Assignment); err != nil {
		return s, err
	}
	if s.collection, err = encodeSub(tr.Collection); err != nil {
		return s, err
	}
	if s.testing, err = encodeSub(tr.Testing); err != nil {
		return s, err
	}
	if s.results, err = encodeSub(tr.Results); err != nil {
		return s, err
	}
	if s.report, err = encodeSub(tr.Report); err != nil {
		return s, err
	}
	if s.review, err = encodeSub(tr.Review); err != nil {
		return s, err
	}
	return s, nil
}

func (s subRecords) decodeInto(tr *TestRequest) error {
	var err error
	if tr.Assignment, err = decodeSub[Assignment](s.assignment); err != nil {
		return fmt.Errorf("decode assignment: %w", err)
	}
	if tr.Collection, err = decodeSub[Collection](s.collection); err != nil {
		return fmt.Errorf("decode collection: %w", err)
	}
	if tr.Testing, err = decodeSub[Testing](s.testing); err != nil {
		return fmt.Errorf("decode testing: %w", err)
	}
	if tr.Results, err = decodeSub[Results](s.results); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	if tr.Report, err = decodeSub[Report](s.report); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if tr.Review, err = decodeSub[Review](s.review); err != nil {
		return fmt.Errorf("decode review: %w", err)
	}
	return nil
}

func encodeSub[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeSub[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
