package testrequest

import "strings"

// Role is the permission class of an actor.
type Role string

const (
	RoleDoctor        Role = "Doctor"
	RoleLabTechnician Role = "LabTechnician"
	RoleLabAssistant  Role = "LabAssistant"
	RoleLabManager    Role = "LabManager"
	RoleReviewer      Role = "Reviewer"
	RoleSuperadmin    Role = "Superadmin"
	// RoleSystem is held only by the service itself.
	RoleSystem Role = "System"
)

// ParseRole accepts the enumerated role names case-insensitively.
func ParseRole(s string) (Role, bool) {
	for role := range permissions {
		if strings.EqualFold(string(role), s) {
			return role, true
		}
	}
	return "", false
}

// IsLabStaff reports whether r is one of the laboratory roles.
func (r Role) IsLabStaff() bool {
	return r == RoleLabTechnician || r == RoleLabAssistant || r == RoleLabManager
}

// Actor is the identity attempting an event, as supplied by the identity
// provider.
type Actor struct {
	ID       string `json:"actor_id"`
	Role     Role   `json:"actor_role"`
	CenterID string `json:"center_id,omitempty"`
}

var labEvents = []Event{
	EventAssignLabStaff,
	EventScheduleCollection,
	EventRecordCollection,
	EventStartTesting,
	EventCompleteTesting,
	EventGenerateReport,
	EventSendReport,
	EventCancel,
}

var reviewEvents = []Event{
	EventSubmitForReview,
	EventApproveReview,
	EventRejectReview,
	EventRequestChanges,
}

// permissions is the role -> permitted events matrix.
var permissions = map[Role]map[Event]bool{
	RoleDoctor:        eventSet(EventCreate, EventCancel),
	RoleLabTechnician: eventSet(labEvents...),
	RoleLabAssistant:  eventSet(labEvents...),
	RoleLabManager:    eventSet(labEvents...),
	RoleReviewer:      eventSet(reviewEvents...),
	RoleSuperadmin:    eventSet(reviewEvents...),
	RoleSystem:        eventSet(EventFinalize),
}

func eventSet(events ...Event) map[Event]bool {
	m := make(map[Event]bool, len(events))
	for _, e := range events {
		m[e] = true
	}
	return m
}

// Permits reports whether role may raise event at all.
func Permits(role Role, event Event) bool {
	return permissions[role][event]
}

// PermittedEvents returns the events role may raise, in table order.
func PermittedEvents(role Role) []Event {
	var out []Event
	for _, e := range AllEvents {
		if permissions[role][e] {
			out = append(out, e)
		}
	}
	return out
}

// Authorize is evaluated before the state machine. It fails with
// ErrForbidden when the role lacks the event, when a center-bound actor
// targets another center's request, or when a Doctor tries to cancel a
// request they did not order. tr is nil for Create.
func Authorize(actor Actor, event Event, tr *TestRequest) error {
	if actor.ID == "" {
		return forbiddenError(actor.Role, event, "actor identity is required")
	}
	if !Permits(actor.Role, event) {
		return forbiddenError(actor.Role, event, "not permitted to raise "+string(event))
	}
	if tr != nil && actor.Role != RoleSystem && actor.CenterID != "" && tr.CenterRef != actor.CenterID {
		return forbiddenError(actor.Role, event, "request belongs to another center")
	}
	if tr != nil && event == EventCancel && actor.Role == RoleDoctor && tr.DoctorRef != actor.ID {
		return forbiddenError(actor.Role, event, "doctors may only cancel their own requests")
	}
	return nil
}
