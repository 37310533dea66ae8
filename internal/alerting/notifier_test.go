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
	"github.com/shopspring/decimal"
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
	event := Event{
		Kind:      EventUnattributedTransfer,
		At:        time.Now(),
		Signature: "5VERYLONGSIG",
		AmountSOL: decimal.RequireFromString("0.067339"),
	}

	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], EventUnattributedTransfer) {
		t.Fatalf("text should mention the event kind, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "0.067339 SOL") {
		t.Fatalf("text should include the amount, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	event := Event{Kind: EventCustodyBalanceLow, At: time.Now()}

	if err := notifier.Notify(context.Background(), event); err == nil {
		t.Fatal("ok=false should return an error")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
