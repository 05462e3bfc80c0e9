package testrequest

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/labflow/internal/platform/websocket"
)

// reviewQueue is what reviewers see when they do not filter by status.
var reviewQueue = []Status{
	StatusReportGenerated,
	StatusReviewPending,
	StatusReviewRequiresChanges,
}

// ListQuery carries the caller's filters for ListByRole.
type ListQuery struct {
	Statuses []Status
	Urgency  Urgency
	Limit    int
	Offset   int
}

// Page is one slice of a role-scoped listing.
type Page struct {
	Items []Summary
	Total int
}

// scope narrows f to what actor may see. Doctors see their own orders;
// everyone else is bound to their center when the identity carries one.
func scope(actor Actor, f ListFilter) ListFilter {
	switch actor.Role {
	case RoleDoctor:
		f.DoctorRef = actor.ID
	case RoleReviewer, RoleSuperadmin:
		if len(f.Statuses) == 0 {
			f.Statuses = reviewQueue
		}
		f.CenterRef = actor.CenterID
	case RoleSystem:
	default:
		f.CenterRef = actor.CenterID
	}
	return f
}

// canView reports whether actor may read tr.
func canView(actor Actor, tr *TestRequest) bool {
	switch {
	case actor.Role == RoleSystem:
		return true
	case actor.Role == RoleDoctor:
		return tr.DoctorRef == actor.ID
	case actor.CenterID == "":
		_, known := permissions[actor.Role]
		return known
	default:
		return tr.CenterRef == actor.CenterID
	}
}

// feedTopics returns the live feed topics actor may follow. They cover the
// same requests canView admits.
func feedTopics(actor Actor) ([]string, error) {
	if actor.ID == "" {
		return nil, forbiddenError(actor.Role, "", "actor identity is required")
	}
	if _, ok := permissions[actor.Role]; !ok {
		return nil, forbiddenError(actor.Role, "", "unknown role")
	}
	switch {
	case actor.Role == RoleSystem:
		return []string{websocket.TopicAll}, nil
	case actor.Role == RoleDoctor:
		return []string{websocket.DoctorTopic(actor.ID)}, nil
	case actor.CenterID == "":
		return []string{websocket.TopicAll}, nil
	default:
		return []string{websocket.CenterTopic(actor.CenterID)}, nil
	}
}

// ListByRole returns dashboard projections visible to actor. Results are
// eventually consistent with the last commit and must not be used as the
// base of a write.
func (e *Engine) ListByRole(ctx context.Context, actor Actor, q ListQuery) (Page, error) {
	if actor.ID == "" {
		return Page{}, forbiddenError(actor.Role, "", "actor identity is required")
	}
	if _, ok := permissions[actor.Role]; !ok {
		return Page{}, forbiddenError(actor.Role, "", "unknown role")
	}
	for _, s := range q.Statuses {
		if !s.Valid() {
			return Page{}, validationError("status", "unknown status %q", s)
		}
	}
	if q.Urgency != "" && !q.Urgency.Valid() {
		return Page{}, validationError("urgency", "unknown urgency %q", q.Urgency)
	}

	f := scope(actor, ListFilter{
		Statuses: q.Statuses,
		Urgency:  q.Urgency,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	items, total, err := e.repo.List(ctx, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: make([]Summary, 0, len(items)), Total: total}
	for _, tr := range items {
		page.Items = append(page.Items, tr.ToSummary())
	}
	return page, nil
}

// GetByID returns the aggregate with its timeline if actor may see it.
func (e *Engine) GetByID(ctx context.Context, actor Actor, id uuid.UUID) (*TestRequest, error) {
	if actor.ID == "" {
		return nil, forbiddenError(actor.Role, "", "actor identity is required")
	}
	tr, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, tr) {
		return nil, forbiddenError(actor.Role, "", "test request belongs to another doctor or center")
	}
	return tr, nil
}
