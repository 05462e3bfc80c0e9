package testrequest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehr/labflow/internal/platform/notification"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// stepClock advances one minute on every call so timestamps are strictly
// increasing across a test.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: mustTime("2026-03-02T08:00:00Z")}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

// Last returns the most recent value handed out without advancing.
func (c *stepClock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

var (
	doctor     = Actor{ID: "dr-house", Role: RoleDoctor, CenterID: "center-a"}
	otherDoc   = Actor{ID: "dr-wilson", Role: RoleDoctor, CenterID: "center-a"}
	technician = Actor{ID: "tech-1", Role: RoleLabTechnician, CenterID: "center-a"}
	manager    = Actor{ID: "mgr-1", Role: RoleLabManager, CenterID: "center-a"}
	reviewer   = Actor{ID: "rev-1", Role: RoleReviewer, CenterID: "center-a"}
	outsider   = Actor{ID: "tech-9", Role: RoleLabTechnician, CenterID: "center-b"}
)

type fixture struct {
	engine   *Engine
	repo     Repository
	clock    *stepClock
	recorder *notification.Recorder
}

func newFixture(t *testing.T, review bool, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		clock:    newStepClock(),
		recorder: &notification.Recorder{},
	}
	base := []EngineOption{
		WithPolicy(&CenterPolicy{Centers: map[string]bool{"center-a": review}}),
		WithClock(f.clock.Now),
		WithPublisher(f.recorder),
	}
	f.engine = NewEngine(f.repo, append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T) *TestRequest {
	t.Helper()
	tr, err := f.engine.Create(context.Background(), doctor, Draft{
		PatientRef: "patient-1",
		TestType:   "CBC",
		Urgency:    UrgencyUrgent,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) apply(t *testing.T, tr *TestRequest, actor Actor, p Payload) *TestRequest {
	t.Helper()
	next, err := f.engine.Apply(context.Background(), Command{
		RequestID:   tr.ID,
		Event:       p.Event(),
		Payload:     p,
		Actor:       actor,
		BaseVersion: tr.Version,
	})
	require.NoError(t, err, "applying %s from %s", p.Event(), tr.Status)
	return next
}

// advanceTo drives a fresh request to target along the happy path.
func (f *fixture) advanceTo(t *testing.T, target Status) *TestRequest {
	t.Helper()
	tr := f.create(t)
	steps := []func() Payload{
		func() Payload { return &AssignLabStaffPayload{LabStaffRef: "tech-1", LabStaffName: "Ana"} },
		func() Payload { return &ScheduleCollectionPayload{CollectorRef: "col-1", ScheduledAt: f.clock.Last()} },
		func() Payload { return &RecordCollectionPayload{} },
		func() Payload { return &StartTestingPayload{} },
		func() Payload {
			return &CompleteTestingPayload{TestResults: "Hb 13.5 g/dL", Conclusion: "within range"}
		},
		func() Payload { return &GenerateReportPayload{FileHandle: "reports/cbc-1.pdf"} },
	}
	for _, step := range steps {
		if tr.Status == target {
			return tr
		}
		tr = f.apply(t, tr, technician, step())
	}
	if tr.Status == target {
		return tr
	}
	if target == StatusReportSent {
		return f.apply(t, tr, technician, &SendReportPayload{})
	}
	tr = f.apply(t, tr, reviewer, &SubmitForReviewPayload{ReviewerRef: "rev-1"})
	switch target {
	case StatusReviewPending:
		return tr
	case StatusReviewApproved:
		return f.apply(t, tr, reviewer, &ApproveReviewPayload{})
	case StatusReviewRejected:
		return f.apply(t, tr, reviewer, &RejectReviewPayload{ReviewDecision{ReviewNotes: "wrong patient"}})
	case StatusReviewRequiresChanges:
		return f.apply(t, tr, reviewer, &RequestChangesPayload{ReviewDecision{ReviewNotes: "recheck platelets"}})
	}
	t.Fatalf("advanceTo: cannot reach %s", target)
	return nil
}
