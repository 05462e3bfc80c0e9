package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labflow/internal/platform/auth"
	"github.com/ehr/labflow/internal/platform/notification"
)

func testEvent(typ notification.EventType, center, doctor string) notification.Event {
	return notification.Event{
		ID:            "ev-1",
		Type:          typ,
		TestRequestID: "tr-1",
		CenterRef:     center,
		DoctorRef:     doctor,
		Status:        "Pending",
		Version:       0,
		OccurredAt:    time.Now().UTC(),
	}
}

func receive(t *testing.T, c *Client) notification.Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev notification.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		return ev
	default:
		t.Fatalf("client %s received nothing", c.ActorID)
		return notification.Event{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("client %s should not receive %s", c.ActorID, data)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("lab-1", []string{CenterTopic("center-a")})

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(CenterTopic("center-a")) != 1 {
		t.Fatalf("expected 1 client on center-a, got %d", hub.TopicCount(CenterTopic("center-a")))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(CenterTopic("center-a")) != 0 {
		t.Fatal("expected the hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_DeliverFansOutByAudience(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	centerA := NewClient("lab-a", []string{CenterTopic("center-a")})
	centerB := NewClient("lab-b", []string{CenterTopic("center-b")})
	doctor := NewClient("dr-house", []string{DoctorTopic("dr-house")})
	otherDoctor := NewClient("dr-wilson", []string{DoctorTopic("dr-wilson")})
	system := NewClient("system", []string{TopicAll})
	for _, c := range []*Client{centerA, centerB, doctor, otherDoctor, system} {
		hub.Register(c)
	}

	if err := hub.Deliver(context.Background(), testEvent(notification.TestRequestCreated, "center-a", "dr-house")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	for _, c := range []*Client{centerA, doctor, system} {
		if ev := receive(t, c); ev.TestRequestID != "tr-1" {
			t.Errorf("client %s got %+v", c.ActorID, ev)
		}
	}
	expectNothing(t, centerB)
	expectNothing(t, otherDoctor)
}

func TestHub_DeliverOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("watcher", []string{TopicAll, CenterTopic("center-a")})
	hub.Register(client)

	_ = hub.Deliver(context.Background(), testEvent(notification.ReportReady, "center-a", "dr-house"))

	receive(t, client)
	expectNothing(t, client)
}

func TestHub_TypeFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("reviewer", []string{CenterTopic("center-a")})
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Types: []string{string(notification.ReviewRequired)}})
	_ = hub.Deliver(context.Background(), testEvent(notification.TestRequestCreated, "center-a", "dr-house"))
	expectNothing(t, client)

	_ = hub.Deliver(context.Background(), testEvent(notification.ReviewRequired, "center-a", "dr-house"))
	if ev := receive(t, client); ev.Type != notification.ReviewRequired {
		t.Errorf("expected ReviewRequired, got %s", ev.Type)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Types: []string{string(notification.ReviewRequired)}})
	_ = hub.Deliver(context.Background(), testEvent(notification.TestRequestCreated, "center-a", "dr-house"))
	receive(t, client)

	hub.ProcessMessage(client, ClientMessage{Action: "shout", Types: []string{"x"}})
	_ = hub.Deliver(context.Background(), testEvent(notification.ReportReady, "center-a", "dr-house"))
	receive(t, client)
}

func TestHub_FullBufferSkipsWithoutBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("slow", []string{TopicAll})
	hub.Register(client)

	for i := 0; i < sendBuffer+5; i++ {
		if err := hub.Deliver(context.Background(), testEvent(notification.TestRequestCreated, "center-a", "dr")); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if got := hub.Skipped(); got != 5 {
		t.Errorf("expected 5 skipped events, got %d", got)
	}
}

func TestHub_ConcurrentRegisterDeliver(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("c", []string{TopicAll})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Deliver(context.Background(), testEvent(notification.ReportReady, "center-a", "dr"))
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_ImplementsSink(t *testing.T) {
	var sink notification.Sink = NewHub(zerolog.Nop())
	if sink.Name() != "websocket" {
		t.Errorf("unexpected sink name %q", sink.Name())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func centerResolver(id auth.Identity) ([]string, error) {
	if id.Role == "Nobody" {
		return nil, echo.NewHTTPError(http.StatusForbidden, "unknown role")
	}
	if id.CenterID == "" {
		return []string{TopicAll}, nil
	}
	return []string{CenterTopic(id.CenterID)}, nil
}

func newFeedServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware(nil))
	NewHandler(hub, centerResolver, []string{"*"}).RegisterRoutes(g)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	server := newFeedServer(t, NewHub(zerolog.Nop()))

	resp, err := http.Get(server.URL + "/events/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/events/ws", nil)
	req.Header.Set(auth.HeaderActorID, "x")
	req.Header.Set(auth.HeaderActorRole, "Nobody")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for an unresolvable identity, got %d", resp.StatusCode)
	}
}

func TestHandler_NonWebSocketRequest(t *testing.T) {
	server := newFeedServer(t, NewHub(zerolog.Nop()))

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/events/ws", nil)
	req.Header.Set(auth.HeaderActorID, "lab-1")
	req.Header.Set(auth.HeaderActorRole, "LabTechnician")
	req.Header.Set(auth.HeaderCenterID, "center-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a plain GET, got %d", resp.StatusCode)
	}
}

func TestHandler_FeedOverWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := newFeedServer(t, hub)

	header := http.Header{}
	header.Set(auth.HeaderActorID, "lab-1")
	header.Set(auth.HeaderActorRole, "LabTechnician")
	header.Set(auth.HeaderCenterID, "center-a")

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(CenterTopic("center-a")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered under its center topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Types: []string{string(notification.ReportReady)}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_ = hub.Deliver(context.Background(), testEvent(notification.TestRequestCreated, "center-a", "dr-house"))
	_ = hub.Deliver(context.Background(), testEvent(notification.ReportReady, "center-b", "dr-house"))
	_ = hub.Deliver(context.Background(), testEvent(notification.ReportReady, "center-a", "dr-house"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notification.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.Type != notification.ReportReady || got.CenterRef != "center-a" {
		t.Errorf("expected the center-a ReportReady event first, got %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	req := httptest.NewRequest(http.MethodGet, "/events/ws", nil)
	if !check(req) {
		t.Error("requests without Origin are not browser requests and pass")
	}
	req.Header.Set("Origin", "https://app.example")
	if !check(req) {
		t.Error("expected the configured origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("expected an unknown origin to be refused")
	}
	if originChecker(nil) != nil {
		t.Error("expected an empty list to fall back to the upgrader default")
	}
}
