package webhook_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vobizlabs/goDialer/foundation/external/webhook"
)

func TestNotifier(t *testing.T) {
	t.Run("posts the notification", func(t *testing.T) {
		var received webhook.Notification

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("api-key") != "secret" {
				t.Errorf("api-key header = %q", r.Header.Get("api-key"))
			}
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("decode: %v", err)
			}
		}))
		defer srv.Close()

		n := webhook.New(srv.URL, "secret")
		err := n.Send(webhook.Notification{
			Event:   webhook.CompletedEvent,
			CallID:  "call-1",
			Outcome: "completed",
		})
		if err != nil {
			t.Fatal(err)
		}

		if received.Event != webhook.CompletedEvent || received.CallID != "call-1" {
			t.Fatalf("received %+v", received)
		}
		if received.OccurredAt.IsZero() {
			t.Fatal("occurred_at should be stamped")
		}
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()

		n := webhook.New(srv.URL, "")
		if err := n.Send(webhook.Notification{Event: webhook.FailedEvent, CallID: "c"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unconfigured notifier reports disabled", func(t *testing.T) {
		if webhook.New("", "").Enabled() {
			t.Fatal("empty URL should be disabled")
		}
	})
}
