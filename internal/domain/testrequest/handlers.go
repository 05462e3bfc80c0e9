package testrequest

import (
	"strings"
	"time"
)

// StageHandler computes the sub-record changes for one event. Handlers are
// pure: they read the current entity and payload, never the actor or any
// store, and return a patch without Status or Entry. The engine fills
// those in from the validator and the timeline recorder.
type StageHandler func(tr *TestRequest, payload Payload, now time.Time) (*Patch, error)

var stageHandlers = map[Event]StageHandler{
	EventAssignLabStaff:     handleAssignLabStaff,
	EventScheduleCollection: handleScheduleCollection,
	EventRecordCollection:   handleRecordCollection,
	EventStartTesting:       handleStartTesting,
	EventCompleteTesting:    handleCompleteTesting,
	EventGenerateReport:     handleGenerateReport,
	EventSubmitForReview:    handleSubmitForReview,
	EventApproveReview:      handleReviewDecision,
	EventRejectReview:       handleReviewDecision,
	EventRequestChanges:     handleReviewDecision,
	EventSendReport:         handleSendReport,
	EventCancel:             handleNoop,
	EventFinalize:           handleNoop,
}

// HandlerFor returns the stage handler registered for event.
func HandlerFor(event Event) (StageHandler, bool) {
	h, ok := stageHandlers[event]
	return h, ok
}

// payloadAs asserts the payload type for event. A nil payload is replaced
// with the zero value so optional-only payloads may be omitted.
func payloadAs[T any, PT interface {
	*T
	Payload
}](event Event, payload Payload) (PT, error) {
	if payload == nil {
		return PT(new(T)), nil
	}
	p, ok := payload.(PT)
	if !ok {
		return nil, validationError("payload", "payload of type %s does not belong to event %s", payload.Event(), event)
	}
	return p, nil
}

// stamp resolves an optional payload timestamp against the aggregate's
// latest activity. Absent values default to now. Values must lie within
// [floor, now]; a clock running behind floor is clamped up to it.
func stamp(field string, ts *time.Time, floor, now time.Time) (time.Time, error) {
	if floor.After(now) {
		now = floor
	}
	if ts == nil || ts.IsZero() {
		return now, nil
	}
	v := ts.UTC()
	if v.Before(floor) {
		return time.Time{}, validationError(field, "must not precede %s", floor.Format(time.RFC3339))
	}
	if v.After(now) {
		return time.Time{}, validationError(field, "must not be in the future")
	}
	return v, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError(field, "is required")
	}
	return nil
}

func handleAssignLabStaff(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[AssignLabStaffPayload](EventAssignLabStaff, payload)
	if err != nil {
		return nil, err
	}
	if err := required("lab_staff_ref", p.LabStaffRef); err != nil {
		return nil, err
	}
	at, err := stamp("assigned_at", p.AssignedAt, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}
	return &Patch{Assignment: &Assignment{
		LabStaffRef:  p.LabStaffRef,
		LabStaffName: p.LabStaffName,
		AssignedAt:   at,
	}}, nil
}

func handleScheduleCollection(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[ScheduleCollectionPayload](EventScheduleCollection, payload)
	if err != nil {
		return nil, err
	}
	if p.ScheduledAt.IsZero() {
		return nil, validationError("scheduled_at", "is required")
	}
	// Collection may be planned for the future; it only has to follow the
	// work already recorded.
	scheduled := p.ScheduledAt.UTC()
	if floor := tr.LastActivity(); scheduled.Before(floor) {
		return nil, validationError("scheduled_at", "must not precede %s", floor.Format(time.RFC3339))
	}
	return &Patch{Collection: &Collection{
		CollectorRef:     p.CollectorRef,
		ScheduledAt:      &scheduled,
		CollectionStatus: CollectionScheduled,
	}}, nil
}

func handleRecordCollection(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[RecordCollectionPayload](EventRecordCollection, payload)
	if err != nil {
		return nil, err
	}
	if tr.Collection == nil || tr.Collection.ScheduledAt == nil {
		return nil, validationError("collection.scheduled_at", "sample collection has not been scheduled")
	}
	at, err := stamp("actual_at", p.ActualAt, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}
	c := cloneCollection(tr.Collection)
	if p.CollectorRef != "" {
		c.CollectorRef = p.CollectorRef
	}
	c.ActualAt = &at
	c.CollectionStatus = CollectionCompleted
	return &Patch{Collection: c}, nil
}

func handleStartTesting(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[StartTestingPayload](EventStartTesting, payload)
	if err != nil {
		return nil, err
	}
	staff := p.LabStaffRef
	if staff == "" && tr.Assignment != nil {
		staff = tr.Assignment.LabStaffRef
	}
	if err := required("lab_staff_ref", staff); err != nil {
		return nil, err
	}
	at, err := stamp("started_at", p.StartedAt, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}
	return &Patch{Testing: &Testing{LabStaffRef: staff, StartedAt: &at}}, nil
}

func handleCompleteTesting(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[CompleteTestingPayload](EventCompleteTesting, payload)
	if err != nil {
		return nil, err
	}
	if err := required("test_results", p.TestResults); err != nil {
		return nil, err
	}
	for i, param := range p.Parameters {
		if strings.TrimSpace(param.Name) == "" || strings.TrimSpace(param.Value) == "" {
			return nil, validationError("parameters", "parameter %d needs a name and a value", i)
		}
	}
	at, err := stamp("completed_at", p.CompletedAt, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}

	testing := cloneTesting(tr.Testing)
	if testing == nil {
		testing = &Testing{}
	}
	testing.CompletedAt = &at
	if p.Notes != "" {
		testing.Notes = p.Notes
	}
	if len(p.Parameters) > 0 {
		testing.Parameters = append([]Parameter(nil), p.Parameters...)
	}

	return &Patch{
		Testing: testing,
		Results: &Results{
			TestResults:     p.TestResults,
			Conclusion:      p.Conclusion,
			Recommendations: p.Recommendations,
		},
		// Re-entry from the fix loop invalidates the report under review.
		ClearReport: tr.Status == StatusReviewRequiresChanges,
	}, nil
}

func handleGenerateReport(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[GenerateReportPayload](EventGenerateReport, payload)
	if err != nil {
		return nil, err
	}
	if err := required("file_handle", p.FileHandle); err != nil {
		return nil, err
	}
	at, err := stamp("generated_at", nil, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}
	return &Patch{Report: &Report{FileHandle: p.FileHandle, GeneratedAt: at, Notes: p.Notes}}, nil
}

func handleSubmitForReview(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[SubmitForReviewPayload](EventSubmitForReview, payload)
	if err != nil {
		return nil, err
	}
	if tr.Report == nil || tr.Report.FileHandle == "" {
		return nil, validationError("report.file_handle", "no report to review")
	}
	return &Patch{Review: &Review{
		ReviewerRef:  p.ReviewerRef,
		ReviewStatus: ReviewPending,
		ReviewNotes:  p.ReviewNotes,
	}}, nil
}

func handleReviewDecision(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	var (
		d      ReviewDecision
		status ReviewStatus
	)
	switch p := payload.(type) {
	case *ApproveReviewPayload:
		d, status = p.ReviewDecision, ReviewApproved
	case *RejectReviewPayload:
		d, status = p.ReviewDecision, ReviewRejected
	case *RequestChangesPayload:
		d, status = p.ReviewDecision, ReviewRequiresChanges
	default:
		return nil, validationError("payload", "review decision payload is required")
	}
	if status != ReviewApproved {
		if err := required("review_notes", d.ReviewNotes); err != nil {
			return nil, err
		}
	}
	review := &Review{ReviewerRef: d.ReviewerRef, ReviewStatus: status, ReviewNotes: d.ReviewNotes}
	if review.ReviewerRef == "" && tr.Review != nil {
		review.ReviewerRef = tr.Review.ReviewerRef
	}
	return &Patch{Review: review}, nil
}

func handleSendReport(tr *TestRequest, payload Payload, now time.Time) (*Patch, error) {
	p, err := payloadAs[SendReportPayload](EventSendReport, payload)
	if err != nil {
		return nil, err
	}
	if tr.Report == nil || tr.Report.FileHandle == "" {
		return nil, validationError("report.file_handle", "no report to send")
	}
	at, err := stamp("sent_at", p.SentAt, tr.LastActivity(), now)
	if err != nil {
		return nil, err
	}
	r := cloneReport(tr.Report)
	r.SentAt = &at
	if p.Notes != "" {
		r.Notes = p.Notes
	}
	return &Patch{Report: r}, nil
}

func handleNoop(*TestRequest, Payload, time.Time) (*Patch, error) {
	return &Patch{}, nil
}
