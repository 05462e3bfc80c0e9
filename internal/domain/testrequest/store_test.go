package testrequest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_Contract(t *testing.T) {
	testRepositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func TestSQLiteRepository_Contract(t *testing.T) {
	testRepositoryContract(t, func(t *testing.T) Repository {
		repo, err := NewRepoSQLite(context.Background(), filepath.Join(t.TempDir(), "labflow.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestSQLiteRepository_InMemory(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepoSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Ping(ctx))
	tr := newStored(0)
	require.NoError(t, repo.Create(ctx, tr))
	got, err := repo.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.PatientRef, got.PatientRef)
}

func newStored(i int) *TestRequest {
	at := mustTime("2026-03-02T08:00:00Z").Add(time.Duration(i) * time.Hour)
	center := "center-a"
	if i%2 == 1 {
		center = "center-b"
	}
	return &TestRequest{
		PatientRef:      "patient-" + string(rune('a'+i)),
		DoctorRef:       "dr-house",
		CenterRef:       center,
		TestType:        "CBC",
		TestDescription: "complete blood count",
		Urgency:         UrgencyNormal,
		Status:          StatusPending,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func commitAssign(t *testing.T, repo Repository, tr *TestRequest, expected int) (*TestRequest, error) {
	t.Helper()
	return repo.Commit(context.Background(), tr.ID, expected, &Patch{
		Status:     StatusAssigned,
		Assignment: &Assignment{LabStaffRef: "tech-1", LabStaffName: "Ana", AssignedAt: tr.CreatedAt.Add(time.Minute)},
		Entry:      Record(tr, StatusAssigned, EventAssignLabStaff, technician, "first in", tr.CreatedAt.Add(time.Minute)),
	})
}

func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		require.NoError(t, repo.Create(ctx, tr))
		require.NotEqual(t, uuid.Nil, tr.ID)

		got, err := repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, tr.ID, got.ID)
		assert.Equal(t, 0, got.Version)
		assert.Empty(t, got.Timeline)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "complete blood count", got.TestDescription)
		assert.True(t, tr.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.Assignment)
		assert.Nil(t, got.Report)
	})

	t.Run("get unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("commit advances version and appends timeline", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		require.NoError(t, repo.Create(ctx, tr))

		next, err := commitAssign(t, repo, tr, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, next.Version)
		assert.Equal(t, StatusAssigned, next.Status)

		got, err := repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		require.Len(t, got.Timeline, 1)
		entry := got.Timeline[0]
		assert.Equal(t, StatusPending, entry.FromState)
		assert.Equal(t, StatusAssigned, entry.ToState)
		assert.Equal(t, EventAssignLabStaff, entry.Event)
		assert.Equal(t, "tech-1", entry.ActorID)
		assert.Equal(t, RoleLabTechnician, entry.ActorRole)
		assert.Equal(t, "first in", entry.Note)
		assert.True(t, entry.Timestamp.Equal(got.UpdatedAt))
		require.NotNil(t, got.Assignment)
		assert.Equal(t, "Ana", got.Assignment.LabStaffName)
	})

	t.Run("stale commit is rejected without side effects", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		require.NoError(t, repo.Create(ctx, tr))
		_, err := commitAssign(t, repo, tr, 0)
		require.NoError(t, err)

		_, err = repo.Commit(ctx, tr.ID, 0, &Patch{
			Status: StatusCancelled,
			Entry:  Record(tr, StatusCancelled, EventCancel, doctor, "", tr.CreatedAt.Add(time.Hour)),
		})
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusAssigned, got.Status)
		assert.Len(t, got.Timeline, 1)
	})

	t.Run("commit unknown", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		tr.ID = uuid.New()
		_, err := commitAssign(t, repo, tr, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sub-records round trip and clear", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		require.NoError(t, repo.Create(ctx, tr))
		at := tr.CreatedAt.Add(time.Minute)

		cur, err := repo.Commit(ctx, tr.ID, 0, &Patch{
			Status:     StatusSampleCollectionScheduled,
			Collection: &Collection{CollectorRef: "col-1", ScheduledAt: &at, CollectionStatus: CollectionScheduled},
			Results:    &Results{TestResults: "Hb 13.5 g/dL", Conclusion: "within range"},
			Report:     &Report{FileHandle: "reports/x.pdf", GeneratedAt: at},
			Entry:      Record(tr, StatusSampleCollectionScheduled, EventScheduleCollection, technician, "", at),
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Collection)
		require.NotNil(t, got.Collection.ScheduledAt)
		assert.True(t, at.Equal(*got.Collection.ScheduledAt))
		assert.Equal(t, CollectionScheduled, got.Collection.CollectionStatus)
		assert.Equal(t, "Hb 13.5 g/dL", got.Results.TestResults)
		assert.Equal(t, "reports/x.pdf", got.Report.FileHandle)

		_, err = repo.Commit(ctx, tr.ID, cur.Version, &Patch{
			Status:      StatusTestingCompleted,
			ClearReport: true,
			Entry:       Record(cur, StatusTestingCompleted, EventCompleteTesting, technician, "", at.Add(time.Minute)),
		})
		require.NoError(t, err)
		got, err = repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Report)
		assert.NotNil(t, got.Results, "untouched sub-records survive")
		assert.Len(t, got.Timeline, 2)
	})

	t.Run("list filters and pages newest first", func(t *testing.T) {
		repo := newRepo(t)
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			tr := newStored(i)
			require.NoError(t, repo.Create(ctx, tr))
			ids = append(ids, tr.ID)
		}
		first, err := repo.Get(ctx, ids[0])
		require.NoError(t, err)
		_, err = commitAssign(t, repo, first, 0)
		require.NoError(t, err)

		all, total, err := repo.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, ids[4], all[0].ID)
		assert.Equal(t, ids[0], all[4].ID)

		page, total, err := repo.List(ctx, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[3], page[0].ID)
		assert.Equal(t, ids[2], page[1].ID)

		centerA, total, err := repo.List(ctx, ListFilter{CenterRef: "center-a"})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, centerA, 3)

		assigned, total, err := repo.List(ctx, ListFilter{Statuses: []Status{StatusAssigned, StatusCancelled}})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, ids[0], assigned[0].ID)
		assert.Equal(t, 1, assigned[0].Version)

		none, total, err := repo.List(ctx, ListFilter{DoctorRef: "dr-wilson"})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, none)

		urgent, total, err := repo.List(ctx, ListFilter{Urgency: UrgencyEmergency})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, urgent)
	})

	t.Run("list orders sub-second creation times", func(t *testing.T) {
		repo := newRepo(t)
		whole := newStored(0)
		half := newStored(0)
		half.CreatedAt = whole.CreatedAt.Add(500 * time.Millisecond)
		half.UpdatedAt = half.CreatedAt
		later := newStored(0)
		later.CreatedAt = whole.CreatedAt.Add(time.Second)
		later.UpdatedAt = later.CreatedAt
		for _, tr := range []*TestRequest{half, whole, later} {
			require.NoError(t, repo.Create(ctx, tr))
		}

		all, _, err := repo.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []uuid.UUID{later.ID, half.ID, whole.ID}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})
		assert.True(t, half.CreatedAt.Equal(all[1].CreatedAt))
	})

	t.Run("racing commits have one winner", func(t *testing.T) {
		repo := newRepo(t)
		tr := newStored(0)
		require.NoError(t, repo.Create(ctx, tr))

		const writers = 6
		results := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := commitAssign(t, repo, tr, 0)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var wins int
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, ErrVersionConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)

		got, err := repo.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Len(t, got.Timeline, 1)
	})
}
