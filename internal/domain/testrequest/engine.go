package testrequest

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labflow/internal/platform/notification"
)

const (
	defaultMaxAttempts = 3

	// AnyVersion as a Command's BaseVersion commits against whatever version
	// is loaded. Only internal callers use it.
	AnyVersion = -1
)

// SystemActor raises internal events such as Finalize.
var SystemActor = Actor{ID: "labflow", Role: RoleSystem}

// Metrics receives workflow counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	TransitionAccepted(event, from, to string)
	TransitionRejected(event, kind string)
	CommitRetried(event string)
}

type nopMetrics struct{}

func (nopMetrics) TransitionAccepted(string, string, string) {}
func (nopMetrics) TransitionRejected(string, string)         {}
func (nopMetrics) CommitRetried(string)                      {}

// Engine runs Guard -> Validator -> Handler -> Recorder -> Store.Commit for
// every write and publishes domain events after successful commits. It
// holds no per-request state and is safe for concurrent use.
type Engine struct {
	repo        Repository
	policy      ReviewPolicy
	publisher   notification.Publisher
	metrics     Metrics
	logger      zerolog.Logger
	now         func() time.Time
	maxAttempts int

	autoFinalize bool
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithPolicy sets the per-center review policy (default: review off).
func WithPolicy(p ReviewPolicy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithPublisher sets where domain events go after commit. Publish must not
// block.
func WithPublisher(p notification.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now. Useful in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMaxAttempts bounds ApplyWithRetry (default 3).
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithAutoFinalize makes the engine raise Finalize as the system right after
// a report is sent, so delivered requests close without an external call.
func WithAutoFinalize() EngineOption {
	return func(e *Engine) { e.autoFinalize = true }
}

// NewEngine creates an engine over repo.
func NewEngine(repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:        repo,
		policy:      StaticPolicy(false),
		publisher:   notification.Discard{},
		metrics:     nopMetrics{},
		logger:      zerolog.Nop(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the review policy in effect.
func (e *Engine) Policy() ReviewPolicy { return e.policy }

// Create opens a new request in Pending at version 0. Only doctors may
// order tests; the ordering doctor is always the actor.
func (e *Engine) Create(ctx context.Context, actor Actor, d Draft) (*TestRequest, error) {
	if err := Authorize(actor, EventCreate, nil); err != nil {
		e.reject(ctx, EventCreate, uuid.Nil, actor, err)
		return nil, err
	}
	tr, err := e.draft(actor, d)
	if err != nil {
		e.reject(ctx, EventCreate, uuid.Nil, actor, err)
		return nil, err
	}
	if err := e.repo.Create(ctx, tr); err != nil {
		return nil, err
	}

	e.metrics.TransitionAccepted(string(EventCreate), "", string(StatusPending))
	e.log(ctx).Info().
		Str("test_request_id", tr.ID.String()).
		Str("event", string(EventCreate)).
		Str("actor_role", string(actor.Role)).
		Str("center_ref", tr.CenterRef).
		Msg("test request created")
	e.publish(notification.TestRequestCreated, tr, actor, map[string]string{
		"test_type": tr.TestType,
		"urgency":   string(tr.Urgency),
	})
	return tr, nil
}

func (e *Engine) draft(actor Actor, d Draft) (*TestRequest, error) {
	if d.DoctorRef != "" && d.DoctorRef != actor.ID {
		return nil, forbiddenError(actor.Role, EventCreate, "doctors may only order tests under their own identity")
	}
	if d.CenterRef == "" {
		d.CenterRef = actor.CenterID
	}
	if actor.CenterID != "" && d.CenterRef != actor.CenterID {
		return nil, forbiddenError(actor.Role, EventCreate, "cannot order tests for another center")
	}
	if d.Urgency == "" {
		d.Urgency = UrgencyNormal
	}
	for _, f := range []struct{ name, value string }{
		{"patient_ref", d.PatientRef},
		{"center_ref", d.CenterRef},
		{"test_type", d.TestType},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, validationError(f.name, "is required")
		}
	}
	if !d.Urgency.Valid() {
		return nil, validationError("urgency", "must be one of Normal, Urgent, Emergency")
	}

	now := e.now().UTC()
	return &TestRequest{
		PatientRef:      d.PatientRef,
		DoctorRef:       actor.ID,
		CenterRef:       d.CenterRef,
		TestType:        d.TestType,
		TestDescription: d.TestDescription,
		Urgency:         d.Urgency,
		Status:          StatusPending,
		Timeline:        []TimelineEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Apply runs one read-validate-commit cycle. Rejections leave the stored
// aggregate untouched. A stale BaseVersion fails with ErrVersionConflict.
func (e *Engine) Apply(ctx context.Context, cmd Command) (*TestRequest, error) {
	tr, err := e.apply(ctx, cmd)
	if err != nil {
		e.reject(ctx, cmd.Event, cmd.RequestID, cmd.Actor, err)
		return nil, err
	}
	return e.followUp(ctx, cmd.Event, tr), nil
}

// ApplyWithRetry is Apply that re-fetches and retries after a lost commit
// race, up to the configured attempt count. The payload is re-validated
// against the fresh aggregate on every attempt. Other errors return
// immediately.
func (e *Engine) ApplyWithRetry(ctx context.Context, cmd Command) (*TestRequest, error) {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		var tr *TestRequest
		tr, err = e.apply(ctx, cmd)
		if err == nil {
			return e.followUp(ctx, cmd.Event, tr), nil
		}
		if !Retryable(err) || attempt == e.maxAttempts {
			break
		}
		current, getErr := e.repo.Get(ctx, cmd.RequestID)
		if getErr != nil {
			err = getErr
			break
		}
		e.metrics.CommitRetried(string(cmd.Event))
		e.log(ctx).Debug().
			Str("test_request_id", cmd.RequestID.String()).
			Str("event", string(cmd.Event)).
			Int("attempt", attempt).
			Int("stale_version", cmd.BaseVersion).
			Int("current_version", current.Version).
			Msg("version conflict, retrying")
		cmd.BaseVersion = current.Version
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	e.reject(ctx, cmd.Event, cmd.RequestID, cmd.Actor, err)
	return nil, err
}

// followUp raises the implicit Finalize after SendReport when auto-finalize
// is on. A failure leaves the committed SendReport in place.
func (e *Engine) followUp(ctx context.Context, event Event, tr *TestRequest) *TestRequest {
	if !e.autoFinalize || event != EventSendReport || tr.Status != StatusReportSent {
		return tr
	}
	done, err := e.Finalize(ctx, tr.ID, "closed after report delivery")
	if err != nil {
		e.log(ctx).Warn().Err(err).
			Str("test_request_id", tr.ID.String()).
			Msg("auto-finalize failed, request stays in Report_Sent")
		return tr
	}
	return done
}

// Finalize closes a delivered request on behalf of the system.
func (e *Engine) Finalize(ctx context.Context, id uuid.UUID, note string) (*TestRequest, error) {
	return e.ApplyWithRetry(ctx, Command{
		RequestID:   id,
		Event:       EventFinalize,
		Payload:     &FinalizePayload{},
		Actor:       SystemActor,
		BaseVersion: AnyVersion,
		Note:        note,
	})
}

func (e *Engine) apply(ctx context.Context, cmd Command) (*TestRequest, error) {
	if !slices.Contains(AllEvents, cmd.Event) {
		return nil, validationError("event", "unknown event %q", cmd.Event)
	}
	payload := cmd.Payload
	if payload == nil {
		// Create has no payload type; it is rejected by the validator below.
		payload, _ = NewPayload(cmd.Event)
	}
	if payload != nil && payload.Event() != cmd.Event {
		return nil, validationError("payload", "payload for %s sent with event %s", payload.Event(), cmd.Event)
	}

	tr, err := e.repo.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(cmd.Actor, cmd.Event, tr); err != nil {
		return nil, err
	}
	base := cmd.BaseVersion
	if base == AnyVersion {
		base = tr.Version
	}
	if base != tr.Version {
		return nil, versionConflictError(base, tr.Version)
	}

	to, err := Validate(tr, cmd.Event, payload, e.policy.ReviewRequired(tr.CenterRef))
	if err != nil {
		return nil, err
	}
	handler, ok := HandlerFor(cmd.Event)
	if !ok {
		return nil, illegalTransitionError(tr.Status, cmd.Event)
	}
	now := e.now().UTC()
	patch, err := handler(tr, payload, now)
	if err != nil {
		return nil, err
	}

	note := cmd.Note
	if c, ok := payload.(*CancelPayload); ok && note == "" {
		note = c.Reason
	}
	patch.Status = to
	patch.Entry = Record(tr, to, cmd.Event, cmd.Actor, note, now)

	committed, err := e.repo.Commit(ctx, tr.ID, base, patch)
	if err != nil {
		return nil, err
	}
	e.accepted(ctx, tr.Status, committed, cmd)
	return committed, nil
}

func (e *Engine) accepted(ctx context.Context, from Status, tr *TestRequest, cmd Command) {
	e.metrics.TransitionAccepted(string(cmd.Event), string(from), string(tr.Status))
	e.log(ctx).Info().
		Str("test_request_id", tr.ID.String()).
		Str("event", string(cmd.Event)).
		Str("from", string(from)).
		Str("to", string(tr.Status)).
		Str("actor_role", string(cmd.Actor.Role)).
		Int("version", tr.Version).
		Msg("transition accepted")

	switch cmd.Event {
	case EventSubmitForReview:
		e.publish(notification.ReviewRequired, tr, cmd.Actor, nil)
	case EventSendReport:
		attrs := map[string]string{}
		if tr.Report != nil {
			attrs["file_handle"] = tr.Report.FileHandle
		}
		e.publish(notification.ReportReady, tr, cmd.Actor, attrs)
	}
}

func (e *Engine) reject(ctx context.Context, event Event, id uuid.UUID, actor Actor, err error) {
	kind := KindOf(err)
	e.metrics.TransitionRejected(string(event), string(kind))

	ev := e.log(ctx).Debug()
	switch kind {
	case KindVersionConflict:
		ev = e.log(ctx).Warn()
	case KindInternal:
		ev = e.log(ctx).Error()
	}
	ev.Err(err).
		Str("test_request_id", id.String()).
		Str("event", string(event)).
		Str("actor_role", string(actor.Role)).
		Str("error_kind", string(kind)).
		Msg("transition rejected")
}

func (e *Engine) publish(t notification.EventType, tr *TestRequest, actor Actor, attrs map[string]string) {
	e.publisher.Publish(notification.Event{
		ID:            uuid.NewString(),
		Type:          t,
		TestRequestID: tr.ID.String(),
		CenterRef:     tr.CenterRef,
		DoctorRef:     tr.DoctorRef,
		Status:        string(tr.Status),
		Version:       tr.Version,
		ActorID:       actor.ID,
		OccurredAt:    tr.UpdatedAt,
		Attributes:    attrs,
	})
}

// log returns the request-scoped logger when one is on ctx.
func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.logger
}
