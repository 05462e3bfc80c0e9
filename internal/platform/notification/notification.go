// Package notification fans workflow domain events out to delivery sinks
// without ever blocking the write path that produced them.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType names a domain event emitted after a successful commit.
type EventType string

const (
	TestRequestCreated EventType = "TestRequestCreated"
	ReviewRequired     EventType = "ReviewRequired"
	ReportReady        EventType = "ReportReady"
)

// Event is the payload handed to sinks.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	TestRequestID string            `json:"test_request_id"`
	CenterRef     string            `json:"center_ref"`
	DoctorRef     string            `json:"doctor_ref"`
	Status        string            `json:"status"`
	Version       int               `json:"version"`
	ActorID       string            `json:"actor_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Data flattens the event for template rendering.
func (ev Event) Data() map[string]string {
	data := map[string]string{
		"test_request_id": ev.TestRequestID,
		"center_ref":      ev.CenterRef,
		"doctor_ref":      ev.DoctorRef,
		"status":          ev.Status,
		"actor_id":        ev.ActorID,
		"version":         fmt.Sprint(ev.Version),
	}
	for k, v := range ev.Attributes {
		data[k] = v
	}
	return data
}

// Publisher accepts events without blocking. Publish reports whether the
// event was queued.
type Publisher interface {
	Publish(ev Event) bool
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) bool { return true }

// Sink delivers one event to an external collaborator.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders per event type.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{templates: map[EventType]Template{
		TestRequestCreated: {
			Subject: "New {{urgency}} test request",
			Body:    "Test request {{test_request_id}} ({{test_type}}) was ordered by {{doctor_ref}} for center {{center_ref}}.",
		},
		ReviewRequired: {
			Subject: "Report awaiting review",
			Body:    "The report for test request {{test_request_id}} at center {{center_ref}} needs clinical sign-off.",
		},
		ReportReady: {
			Subject: "Report ready",
			Body:    "The report for test request {{test_request_id}} has been sent to {{doctor_ref}}.",
		},
	}}
}

// RegisterTemplate adds or replaces the template for t.
func (e *TemplateEngine) RegisterTemplate(t EventType, tpl Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t] = tpl
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(ev Event) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[ev.Type]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for %q not found", ev.Type)
	}

	subject, body = t.Subject, t.Body
	for k, v := range ev.Data() {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const defaultDeliveryTimeout = 10 * time.Second

// Dispatcher queues events in a bounded buffer and delivers them to every
// sink from a single background loop. A full buffer drops the event.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	logger  zerolog.Logger
	timeout time.Duration
	dropped atomic.Int64
	failed  atomic.Int64
	closed  atomic.Bool
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(buffer int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger.With().Str("component", "notification").Logger(),
		timeout: defaultDeliveryTimeout,
	}
}

// Publish queues ev. It never blocks.
func (d *Dispatcher) Publish(ev Event) bool {
	if d.closed.Load() {
		d.dropped.Add(1)
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("event_type", string(ev.Type)).Str("test_request_id", ev.TestRequestID).
			Msg("notification buffer full, event dropped")
		return false
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already buffered before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			d.closed.Store(true)
			for {
				select {
				case ev := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Deliver(dctx, ev)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error().Err(err).Str("sink", s.Name()).Str("event_type", string(ev.Type)).
				Str("test_request_id", ev.TestRequestID).Msg("notification delivery failed")
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full
// or the dispatcher had stopped.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns how many sink deliveries returned an error.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// LogSink writes rendered notifications to the structured log.
type LogSink struct {
	logger    zerolog.Logger
	templates *TemplateEngine
}

func NewLogSink(logger zerolog.Logger, templates *TemplateEngine) *LogSink {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &LogSink{logger: logger, templates: templates}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	subject, body, err := s.templates.Render(ev)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("notification_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("test_request_id", ev.TestRequestID).
		Str("center_ref", ev.CenterRef).
		Str("subject", subject).
		Msg(body)
	return nil
}

// MockSink records delivered events. It is a test double.
type MockSink struct {
	mu         sync.Mutex
	events     []Event
	ShouldFail bool
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Deliver(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.ShouldFail {
		return errors.New("mock sink failure")
	}
	return nil
}

// Events returns a copy of the recorded events.
func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Recorder is a synchronous Publisher for tests.
type Recorder struct {
	MockSink
}

func (r *Recorder) Publish(ev Event) bool {
	_ = r.Deliver(context.Background(), ev)
	return true
}
