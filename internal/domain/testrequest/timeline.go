package testrequest

import "time"

// Record builds the timeline entry for an accepted transition. The
// timestamp never precedes the previous entry, so the timeline stays
// ordered even if the wall clock steps backwards between commits.
func Record(tr *TestRequest, to Status, event Event, actor Actor, note string, now time.Time) TimelineEntry {
	ts := now.UTC()
	if n := len(tr.Timeline); n > 0 && ts.Before(tr.Timeline[n-1].Timestamp) {
		ts = tr.Timeline[n-1].Timestamp
	}
	return TimelineEntry{
		FromState: tr.Status,
		ToState:   to,
		Event:     event,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Timestamp: ts,
		Note:      note,
	}
}

// TimelineView is the read-only audit projection of one request.
type TimelineView struct {
	RequestID string          `json:"test_request_id"`
	Status    Status          `json:"status"`
	Version   int             `json:"version"`
	Entries   []TimelineEntry `json:"entries"`
}

// TimelineView returns a copy of the audit history.
func (t *TestRequest) TimelineView() TimelineView {
	return TimelineView{
		RequestID: t.ID.String(),
		Status:    t.Status,
		Version:   t.Version,
		Entries:   append(make([]TimelineEntry, 0, len(t.Timeline)), t.Timeline...),
	}
}
