package testrequest

import "strings"

// Event is an actor-initiated request to move a test request forward.
type Event string

const (
	EventCreate             Event = "Create"
	EventAssignLabStaff     Event = "AssignLabStaff"
	EventScheduleCollection Event = "ScheduleCollection"
	EventRecordCollection   Event = "RecordCollection"
	EventStartTesting       Event = "StartTesting"
	EventCompleteTesting    Event = "CompleteTesting"
	EventGenerateReport     Event = "GenerateReport"
	EventSubmitForReview    Event = "SubmitForReview"
	EventApproveReview      Event = "ApproveReview"
	EventRejectReview       Event = "RejectReview"
	EventRequestChanges     Event = "RequestChanges"
	EventSendReport         Event = "SendReport"
	EventCancel             Event = "Cancel"
	// EventFinalize closes a delivered request (Report_Sent -> Completed).
	EventFinalize Event = "Finalize"
)

// AllEvents lists every event in lifecycle order.
var AllEvents = []Event{
	EventCreate,
	EventAssignLabStaff,
	EventScheduleCollection,
	EventRecordCollection,
	EventStartTesting,
	EventCompleteTesting,
	EventGenerateReport,
	EventSubmitForReview,
	EventApproveReview,
	EventRejectReview,
	EventRequestChanges,
	EventSendReport,
	EventCancel,
	EventFinalize,
}

// ParseEvent accepts event names case-insensitively.
func ParseEvent(s string) (Event, bool) {
	for _, e := range AllEvents {
		if strings.EqualFold(string(e), s) {
			return e, true
		}
	}
	return "", false
}

// reviewGate restricts a table row to one setting of the center's review
// policy.
type reviewGate int

const (
	gateAny reviewGate = iota
	gateReviewOff
	gateReviewOn
)

type transitionKey struct {
	from  Status
	event Event
}

type transitionRule struct {
	to   Status
	gate reviewGate
}

// transitions is the only place legality of (state, event) is decided.
// Cancel is handled separately: it is legal from every non-terminal state.
var transitions = map[transitionKey]transitionRule{
	{StatusPending, EventAssignLabStaff}:                     {to: StatusAssigned},
	{StatusAssigned, EventScheduleCollection}:                {to: StatusSampleCollectionScheduled},
	{StatusSampleCollectionScheduled, EventRecordCollection}: {to: StatusSampleCollected},
	{StatusSampleCollected, EventStartTesting}:               {to: StatusInLabTesting},
	{StatusInLabTesting, EventCompleteTesting}:               {to: StatusTestingCompleted},
	{StatusTestingCompleted, EventGenerateReport}:            {to: StatusReportGenerated},
	{StatusReportGenerated, EventSendReport}:                 {to: StatusReportSent, gate: gateReviewOff},
	{StatusReportGenerated, EventSubmitForReview}:            {to: StatusReviewPending, gate: gateReviewOn},
	{StatusReviewPending, EventApproveReview}:                {to: StatusReviewApproved},
	{StatusReviewPending, EventRejectReview}:                 {to: StatusReviewRejected},
	{StatusReviewPending, EventRequestChanges}:               {to: StatusReviewRequiresChanges},
	{StatusReviewRequiresChanges, EventCompleteTesting}:      {to: StatusTestingCompleted},
	{StatusReviewApproved, EventSendReport}:                  {to: StatusReportSent},
	{StatusReportSent, EventFinalize}:                        {to: StatusCompleted},
}

// Target returns the state event leads to from `from`, given whether the
// owning center requires review sign-off. ok is false when the pair is not
// in the table.
func Target(from Status, event Event, reviewRequired bool) (Status, bool) {
	if from.IsTerminal() {
		return "", false
	}
	if event == EventCancel {
		return StatusCancelled, true
	}
	rule, ok := transitions[transitionKey{from, event}]
	if !ok {
		return "", false
	}
	switch rule.gate {
	case gateReviewOff:
		if reviewRequired {
			return "", false
		}
	case gateReviewOn:
		if !reviewRequired {
			return "", false
		}
	}
	return rule.to, true
}

// Permitted returns the events legal from `from`, in table order.
func Permitted(from Status, reviewRequired bool) []Event {
	var out []Event
	for _, e := range AllEvents {
		if e == EventCreate {
			continue
		}
		if _, ok := Target(from, e, reviewRequired); ok {
			out = append(out, e)
		}
	}
	return out
}

// Validate decides whether event may be applied to tr. It returns the
// target state, ErrIllegalTransition when the pair is not in the table, or
// ErrValidation when a cross-field guard predicate fails. payload may be
// nil for events without one.
func Validate(tr *TestRequest, event Event, payload Payload, reviewRequired bool) (Status, error) {
	to, ok := Target(tr.Status, event, reviewRequired)
	if !ok {
		return "", illegalTransitionError(tr.Status, event)
	}
	if err := checkGuards(tr, event, payload); err != nil {
		return "", err
	}
	return to, nil
}

func checkGuards(tr *TestRequest, event Event, payload Payload) error {
	switch event {
	case EventRecordCollection:
		if tr.Collection == nil || tr.Collection.ScheduledAt == nil {
			return validationError("collection.scheduled_at", "sample collection has not been scheduled")
		}
	case EventStartTesting:
		if tr.Collection == nil || tr.Collection.CollectionStatus != CollectionCompleted {
			return validationError("collection.collection_status", "sample collection is not completed")
		}
	case EventCompleteTesting:
		p, _ := payload.(*CompleteTestingPayload)
		if p == nil || strings.TrimSpace(p.TestResults) == "" {
			return validationError("test_results", "test results are required")
		}
	case EventGenerateReport:
		if tr.Results == nil || strings.TrimSpace(tr.Results.TestResults) == "" {
			return validationError("results.test_results", "no test results to report")
		}
	}
	return nil
}
