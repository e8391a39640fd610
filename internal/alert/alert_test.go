package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func sampleAlert() Alert {
	return Alert{
		Kind:      KindThresholdCrossed,
		Period:    "2026-04",
		Message:   "budget 80% consumed",
		Ceiling:   decimal.NewFromInt(1000),
		Consumed:  decimal.NewFromInt(800),
		Projected: decimal.NewFromInt(1200),
		Threshold: decimal.RequireFromString("0.8"),
		RaisedAt:  time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, server.Client())
	if err := n.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got.Kind != KindThresholdCrossed || !got.Consumed.Equal(decimal.NewFromInt(800)) {
		t.Errorf("Unexpected payload: %+v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, nil)
	if err := n.Notify(context.Background(), sampleAlert()); err == nil {
		t.Error("Expected error for 502 response")
	}
}

type stubNotifier struct {
	name  string
	err   error
	calls int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(ctx context.Context, a Alert) error {
	s.calls++
	return s.err
}

func TestFanout_PartialFailureIsDelivered(t *testing.T) {
	ok := &stubNotifier{name: "ok"}
	bad := &stubNotifier{name: "bad", err: errors.New("down")}
	f := NewFanout(zap.NewNop(), bad, ok)

	if err := f.Notify(context.Background(), sampleAlert()); err != nil {
		t.Errorf("Expected nil when one notifier succeeds, got %v", err)
	}
	if ok.calls != 1 || bad.calls != 1 {
		t.Errorf("Expected one call each, got ok=%d bad=%d", ok.calls, bad.calls)
	}
}

func TestFanout_BreakerOpensAfterFailures(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("down")}
	f := NewFanout(zap.NewNop(), bad)

	for i := 0; i < 3; i++ {
		if err := f.Notify(context.Background(), sampleAlert()); err == nil {
			t.Fatal("Expected error when every notifier fails")
		}
	}

	err := f.Notify(context.Background(), sampleAlert())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open circuit, got %v", err)
	}
	if bad.calls != 3 {
		t.Errorf("Open breaker must short-circuit, got %d calls", bad.calls)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(zap.NewNop()).Notify(context.Background(), sampleAlert()); err != nil {
		t.Error(err)
	}
}
