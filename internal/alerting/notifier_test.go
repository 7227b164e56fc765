package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whale-swarm/internal/bus"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{At: time.Now(), PositionID: "p1", Token: "0xdead", Severity: "critical", Reason: "emergency exit issued"}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "emergency exit issued") {
		t.Fatalf("message should carry the reason, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "CRITICAL") {
		t.Fatalf("message should carry the severity, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Severity: "warning", Reason: "x"}); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

type recordingNotifier struct {
	notes chan Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes <- note
	return nil
}

func TestWatcherForwardsRiskAlerts(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	rec := &recordingNotifier{notes: make(chan Notification, 1)}
	w := NewWatcher(rec, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	alert := bus.RiskAlert{PositionID: "p1", Token: "0xdead", Severity: "critical", Reason: "exit retries exhausted"}
	msg, _ := bus.NewMessage(bus.TypeRiskAlert, bus.RoleManager, alert)
	if err := b.Publish(ctx, bus.ChannelRisk, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case note := <-rec.notes:
		if note.PositionID != "p1" || note.Severity != "critical" {
			t.Fatalf("unexpected notification: %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not forward the alert")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
