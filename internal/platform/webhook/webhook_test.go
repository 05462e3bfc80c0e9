package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/labflow/internal/platform/notification"
)

func reportReady() notification.Event {
	return notification.Event{
		ID:            "evt-1",
		Type:          notification.ReportReady,
		TestRequestID: "5f1c3f1e-7c55-4d8c-9a53-2b7b6f3f9a10",
		CenterRef:     "center-a",
		Status:        "Report_Sent",
		Version:       7,
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"ReportReady"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func stubResolver(t *testing.T, hosts map[string][]string) {
	t.Helper()
	orig := resolveHost
	resolveHost = func(host string) ([]string, error) {
		if ips, ok := hosts[host]; ok {
			return ips, nil
		}
		return nil, fmt.Errorf("no such host %s", host)
	}
	t.Cleanup(func() { resolveHost = orig })
}

func TestNewSink_Validates(t *testing.T) {
	stubResolver(t, map[string][]string{"hooks.example": {"93.184.216.34"}})
	if _, err := NewSink([]Endpoint{{URL: "ftp://hooks.example", Secret: "x"}}); err == nil {
		t.Error("expected scheme error")
	}
	if _, err := NewSink([]Endpoint{{URL: "https://hooks.example"}}); err == nil {
		t.Error("expected missing secret error")
	}
	if _, err := NewSink([]Endpoint{{URL: "https://hooks.example/labflow", Secret: "x"}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewSink_RejectsPrivateAddresses(t *testing.T) {
	stubResolver(t, map[string][]string{
		"internal.example": {"10.0.0.12"},
		"mixed.example":    {"93.184.216.34", "192.168.1.20"},
		"v6.example":       {"fe80::1"},
	})
	for _, raw := range []string{
		"http://localhost:9000/hook",
		"http://api.localhost/hook",
		"http://127.0.0.1:8080/hook",
		"http://[::1]/hook",
		"http://0.0.0.0/hook",
		"http://169.254.169.254/latest/meta-data",
		"https://internal.example/hook",
		"https://mixed.example/hook",
		"https://v6.example/hook",
		"https://unresolvable.example/hook",
		"https:///hook",
	} {
		if _, err := NewSink([]Endpoint{{URL: raw, Secret: "x"}}); err == nil {
			t.Errorf("expected %s to be rejected", raw)
		}
	}

	if _, err := NewSink([]Endpoint{{URL: "https://internal.example/hook", Secret: "x"}}, AllowPrivateNetworks()); err != nil {
		t.Errorf("expected private endpoint to pass when allowed: %v", err)
	}
}

func TestSink_DeliversSignedPayload(t *testing.T) {
	var got notification.Event
	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified.Store(VerifySignature(body, "s3cret", r.Header.Get(HeaderSignature)))
		json.Unmarshal(body, &got)
		if r.Header.Get(HeaderEventType) != "ReportReady" {
			t.Errorf("event header = %q", r.Header.Get(HeaderEventType))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewSink([]Endpoint{{URL: srv.URL, Secret: "s3cret"}}, AllowPrivateNetworks())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Deliver(context.Background(), reportReady()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !verified.Load() {
		t.Error("signature did not verify on the receiving side")
	}
	if got.TestRequestID != reportReady().TestRequestID || got.Version != 7 {
		t.Errorf("unexpected payload %+v", got)
	}
	d := s.Deliveries()
	if len(d) != 1 || d[0].Status != "success" || d[0].StatusCode != http.StatusNoContent {
		t.Errorf("unexpected delivery log %+v", d)
	}
}

func TestSink_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := NewSink([]Endpoint{{URL: srv.URL, Secret: "k"}}, AllowPrivateNetworks(), WithRetryDelays(time.Millisecond, time.Millisecond))
	if err := s.Deliver(context.Background(), reportReady()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	d := s.Deliveries()
	if len(d) != 3 || d[2].Attempt != 3 || d[0].Status != "failed" {
		t.Errorf("unexpected delivery log %+v", d)
	}
}

func TestSink_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := NewSink([]Endpoint{{URL: srv.URL, Secret: "k"}}, AllowPrivateNetworks(), WithRetryDelays(time.Millisecond))
	if err := s.Deliver(context.Background(), reportReady()); err == nil {
		t.Fatal("expected delivery error")
	}
	if n := len(s.Deliveries()); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestSink_SkipsUnsubscribedEndpoints(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s, _ := NewSink([]Endpoint{{URL: srv.URL, Secret: "k", Events: []string{"ReviewRequired"}}}, AllowPrivateNetworks())
	if err := s.Deliver(context.Background(), reportReady()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no calls, got %d", calls.Load())
	}
}
