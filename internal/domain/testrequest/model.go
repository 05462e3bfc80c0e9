package testrequest

import (
	"time"

	"github.com/google/uuid"
)

// Status is a stage of the test request lifecycle.
type Status string

const (
	StatusPending                   Status = "Pending"
	StatusAssigned                  Status = "Assigned"
	StatusSampleCollectionScheduled Status = "Sample_Collection_Scheduled"
	StatusSampleCollected           Status = "Sample_Collected"
	StatusInLabTesting              Status = "In_Lab_Testing"
	StatusTestingCompleted          Status = "Testing_Completed"
	StatusReportGenerated           Status = "Report_Generated"
	StatusReviewPending             Status = "Review_Pending"
	StatusReviewApproved            Status = "Review_Approved"
	StatusReviewRejected            Status = "Review_Rejected"
	StatusReviewRequiresChanges     Status = "Review_RequiresChanges"
	StatusReportSent                Status = "Report_Sent"
	StatusCompleted                 Status = "Completed"
	StatusCancelled                 Status = "Cancelled"
)

// AllStatuses lists every stage in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusAssigned,
	StatusSampleCollectionScheduled,
	StatusSampleCollected,
	StatusInLabTesting,
	StatusTestingCompleted,
	StatusReportGenerated,
	StatusReviewPending,
	StatusReviewApproved,
	StatusReviewRejected,
	StatusReviewRequiresChanges,
	StatusReportSent,
	StatusCompleted,
	StatusCancelled,
}

// IsTerminal reports whether no further events are accepted in s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known stage.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Urgency of a test request.
type Urgency string

const (
	UrgencyNormal    Urgency = "Normal"
	UrgencyUrgent    Urgency = "Urgent"
	UrgencyEmergency Urgency = "Emergency"
)

var validUrgencies = map[Urgency]bool{
	UrgencyNormal:    true,
	UrgencyUrgent:    true,
	UrgencyEmergency: true,
}

// Valid reports whether u is one of the enumerated urgencies.
func (u Urgency) Valid() bool { return validUrgencies[u] }

// CollectionStatus tracks the sample collection sub-record.
type CollectionStatus string

const (
	CollectionScheduled CollectionStatus = "Scheduled"
	CollectionCompleted CollectionStatus = "Completed"
)

// ReviewStatus tracks the clinical sign-off sub-record.
type ReviewStatus string

const (
	ReviewPending         ReviewStatus = "Pending"
	ReviewApproved        ReviewStatus = "Approved"
	ReviewRejected        ReviewStatus = "Rejected"
	ReviewRequiresChanges ReviewStatus = "RequiresChanges"
)

type Assignment struct {
	LabStaffRef  string    `json:"lab_staff_ref"`
	LabStaffName string    `json:"lab_staff_name,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

type Collection struct {
	CollectorRef     string           `json:"collector_ref,omitempty"`
	ScheduledAt      *time.Time       `json:"scheduled_at,omitempty"`
	ActualAt         *time.Time       `json:"actual_at,omitempty"`
	CollectionStatus CollectionStatus `json:"collection_status"`
}

// Parameter is one measured value reported by the lab.
type Parameter struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Unit        string `json:"unit,omitempty"`
	NormalRange string `json:"normal_range,omitempty"`
}

type Testing struct {
	LabStaffRef string      `json:"lab_staff_ref"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

type Results struct {
	TestResults     string `json:"test_results"`
	Conclusion      string `json:"conclusion,omitempty"`
	Recommendations string `json:"recommendations,omitempty"`
}

type Report struct {
	FileHandle  string     `json:"file_handle"`
	GeneratedAt time.Time  `json:"generated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

type Review struct {
	ReviewerRef  string       `json:"reviewer_ref,omitempty"`
	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewNotes  string       `json:"review_notes,omitempty"`
}

// TimelineEntry is one accepted transition. Entries are never edited.
type TimelineEntry struct {
	FromState Status    `json:"from_state"`
	ToState   Status    `json:"to_state"`
	Event     Event     `json:"event"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// TestRequest is the aggregate root of the workflow.
type TestRequest struct {
	ID              uuid.UUID       `json:"id"`
	PatientRef      string          `json:"patient_ref"`
	DoctorRef       string          `json:"doctor_ref"`
	CenterRef       string          `json:"center_ref"`
	TestType        string          `json:"test_type"`
	TestDescription string          `json:"test_description,omitempty"`
	Urgency         Urgency         `json:"urgency"`
	Status          Status          `json:"status"`
	Version         int             `json:"version"`
	Assignment      *Assignment     `json:"assignment,omitempty"`
	Collection      *Collection     `json:"collection,omitempty"`
	Testing         *Testing        `json:"testing,omitempty"`
	Results         *Results        `json:"results,omitempty"`
	Report          *Report         `json:"report,omitempty"`
	Review          *Review         `json:"review,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// GetVersionID returns the current version.
func (t *TestRequest) GetVersionID() int { return t.Version }

// LastActivity returns the latest timestamp of work recorded on the
// aggregate. New timestamps must not precede it. The planned collection
// time is not work and does not count.
func (t *TestRequest) LastActivity() time.Time {
	latest := t.CreatedAt
	bump := func(ts *time.Time) {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if t.Assignment != nil {
		bump(&t.Assignment.AssignedAt)
	}
	if t.Collection != nil {
		bump(t.Collection.ActualAt)
	}
	if t.Testing != nil {
		bump(t.Testing.StartedAt)
		bump(t.Testing.CompletedAt)
	}
	if t.Report != nil {
		bump(&t.Report.GeneratedAt)
		bump(t.Report.SentAt)
	}
	if n := len(t.Timeline); n > 0 {
		bump(&t.Timeline[n-1].Timestamp)
	}
	return latest
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t *TestRequest) Clone() *TestRequest {
	if t == nil {
		return nil
	}
	out := *t
	if t.Assignment != nil {
		a := *t.Assignment
		out.Assignment = &a
	}
	out.Collection = cloneCollection(t.Collection)
	out.Testing = cloneTesting(t.Testing)
	if t.Results != nil {
		r := *t.Results
		out.Results = &r
	}
	out.Report = cloneReport(t.Report)
	if t.Review != nil {
		r := *t.Review
		out.Review = &r
	}
	out.Timeline = append(make([]TimelineEntry, 0, len(t.Timeline)), t.Timeline...)
	return &out
}

func cloneCollection(c *Collection) *Collection {
	if c == nil {
		return nil
	}
	out := *c
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.ActualAt = cloneTime(c.ActualAt)
	return &out
}

func cloneTesting(t *Testing) *Testing {
	if t == nil {
		return nil
	}
	out := *t
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.Parameters = append([]Parameter(nil), t.Parameters...)
	return &out
}

func cloneReport(r *Report) *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.SentAt = cloneTime(r.SentAt)
	return &out
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// Draft carries the fields supplied by the requesting doctor on Create.
type Draft struct {
	PatientRef      string  `json:"patient_ref"`
	DoctorRef       string  `json:"doctor_ref"`
	CenterRef       string  `json:"center_ref"`
	TestType        string  `json:"test_type"`
	TestDescription string  `json:"test_description,omitempty"`
	Urgency         Urgency `json:"urgency"`
}

// Patch is the full set of changes a single accepted transition applies.
// Nil sub-records are left untouched; ClearReport drops a stale report
// when the fix loop sends the request back to Testing_Completed.
type Patch struct {
	Status      Status
	Assignment  *Assignment
	Collection  *Collection
	Testing     *Testing
	Results     *Results
	Report      *Report
	ClearReport bool
	Review      *Review
	Entry       TimelineEntry
}

// Apply writes the patch onto t. Stores call it inside their commit
// boundary; it does not touch Version.
func (p *Patch) Apply(t *TestRequest) {
	t.Status = p.Status
	if p.Assignment != nil {
		a := *p.Assignment
		t.Assignment = &a
	}
	if p.Collection != nil {
		t.Collection = cloneCollection(p.Collection)
	}
	if p.Testing != nil {
		t.Testing = cloneTesting(p.Testing)
	}
	if p.Results != nil {
		r := *p.Results
		t.Results = &r
	}
	if p.ClearReport {
		t.Report = nil
	}
	if p.Report != nil {
		t.Report = cloneReport(p.Report)
	}
	if p.Review != nil {
		r := *p.Review
		t.Review = &r
	}
	t.Timeline = append(t.Timeline, p.Entry)
	t.UpdatedAt = p.Entry.Timestamp
}

// Summary is the read-side projection used by dashboards.
type Summary struct {
	ID          uuid.UUID `json:"id"`
	PatientRef  string    `json:"patient_ref"`
	DoctorRef   string    `json:"doctor_ref"`
	CenterRef   string    `json:"center_ref"`
	TestType    string    `json:"test_type"`
	Urgency     Urgency   `json:"urgency"`
	Status      Status    `json:"status"`
	Version     int       `json:"version"`
	LabStaffRef string    `json:"lab_staff_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToSummary projects t for list views.
func (t *TestRequest) ToSummary() Summary {
	s := Summary{
		ID:         t.ID,
		PatientRef: t.PatientRef,
		DoctorRef:  t.DoctorRef,
		CenterRef:  t.CenterRef,
		TestType:   t.TestType,
		Urgency:    t.Urgency,
		Status:     t.Status,
		Version:    t.Version,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.Assignment != nil {
		s.LabStaffRef = t.Assignment.LabStaffRef
	}
	return s
}
