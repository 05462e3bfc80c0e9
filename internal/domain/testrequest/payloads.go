package testrequest

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payload is the event-specific input of a transition. Each event has
// exactly one payload type.
type Payload interface {
	Event() Event
}

type AssignLabStaffPayload struct {
	LabStaffRef  string     `json:"lab_staff_ref"`
	LabStaffName string     `json:"lab_staff_name,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
}

type ScheduleCollectionPayload struct {
	CollectorRef string    `json:"collector_ref,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

type RecordCollectionPayload struct {
	CollectorRef string     `json:"collector_ref,omitempty"`
	ActualAt     *time.Time `json:"actual_at,omitempty"`
}

type StartTestingPayload struct {
	LabStaffRef string     `json:"lab_staff_ref,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

type CompleteTestingPayload struct {
	TestResults     string      `json:"test_results"`
	Conclusion      string      `json:"conclusion,omitempty"`
	Recommendations string      `json:"recommendations,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	Parameters      []Parameter `json:"parameters,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

type GenerateReportPayload struct {
	FileHandle string `json:"file_handle"`
	Notes      string `json:"notes,omitempty"`
}

type SubmitForReviewPayload struct {
	ReviewerRef string `json:"reviewer_ref,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
}

// ReviewDecision is the shared body of the three reviewer verdicts.
type ReviewDecision struct {
	ReviewerRef string `json:"reviewer_ref,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
}

type ApproveReviewPayload struct{ ReviewDecision }
type RejectReviewPayload struct{ ReviewDecision }
type RequestChangesPayload struct{ ReviewDecision }

type SendReportPayload struct {
	SentAt *time.Time `json:"sent_at,omitempty"`
	Notes  string     `json:"notes,omitempty"`
}

type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

type FinalizePayload struct{}

func (*AssignLabStaffPayload) Event() Event     { return EventAssignLabStaff }
func (*ScheduleCollectionPayload) Event() Event { return EventScheduleCollection }
func (*RecordCollectionPayload) Event() Event   { return EventRecordCollection }
func (*StartTestingPayload) Event() Event       { return EventStartTesting }
func (*CompleteTestingPayload) Event() Event    { return EventCompleteTesting }
func (*GenerateReportPayload) Event() Event     { return EventGenerateReport }
func (*SubmitForReviewPayload) Event() Event    { return EventSubmitForReview }
func (*ApproveReviewPayload) Event() Event      { return EventApproveReview }
func (*RejectReviewPayload) Event() Event       { return EventRejectReview }
func (*RequestChangesPayload) Event() Event     { return EventRequestChanges }
func (*SendReportPayload) Event() Event         { return EventSendReport }
func (*CancelPayload) Event() Event             { return EventCancel }
func (*FinalizePayload) Event() Event           { return EventFinalize }

// NewPayload returns an empty payload of the type event expects.
func NewPayload(event Event) (Payload, bool) {
	switch event {
	case EventAssignLabStaff:
		return &AssignLabStaffPayload{}, true
	case EventScheduleCollection:
		return &ScheduleCollectionPayload{}, true
	case EventRecordCollection:
		return &RecordCollectionPayload{}, true
	case EventStartTesting:
		return &StartTestingPayload{}, true
	case EventCompleteTesting:
		return &CompleteTestingPayload{}, true
	case EventGenerateReport:
		return &GenerateReportPayload{}, true
	case EventSubmitForReview:
		return &SubmitForReviewPayload{}, true
	case EventApproveReview:
		return &ApproveReviewPayload{}, true
	case EventRejectReview:
		return &RejectReviewPayload{}, true
	case EventRequestChanges:
		return &RequestChangesPayload{}, true
	case EventSendReport:
		return &SendReportPayload{}, true
	case EventCancel:
		return &CancelPayload{}, true
	case EventFinalize:
		return &FinalizePayload{}, true
	}
	return nil, false
}

// DecodePayload parses a JSON body into the payload type of event. An empty
// body yields the zero payload. Unknown fields are rejected.
func DecodePayload(event Event, raw []byte) (Payload, error) {
	p, ok := NewPayload(event)
	if !ok {
		return nil, validationError("event", "unknown event %q", event)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, validationError("payload", "malformed %s payload: %v", event, err)
	}
	return p, nil
}

// Command is one attempt to apply an event to a stored test request.
type Command struct {
	RequestID   uuid.UUID
	Event       Event
	Payload     Payload
	Actor       Actor
	BaseVersion int
	Note        string
}
