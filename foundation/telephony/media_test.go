package telephony_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vobizlabs/goDialer/foundation/telephony"
)

var upgrader = websocket.Upgrader{}

type control struct {
	Event  string `json:"event"`
	CallID string `json:"call_id"`
	To     string `json:"to,omitempty"`
	Status string `json:"status,omitempty"`
}

// mediaServer answers dial requests with the status mapped from the
// dialed number, then echoes one audio frame and hangs up.
func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req control
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		status := "answered"
		switch {
		case strings.HasSuffix(req.To, "0001"):
			status = "busy"
		case strings.HasSuffix(req.To, "0002"):
			status = "no_answer"
		case strings.HasSuffix(req.To, "0003"):
			status = "invalid_number"
		}

		if err := conn.WriteJSON(control{Event: "dial_result", CallID: req.CallID, Status: status}); err != nil {
			return
		}
		if status != "answered" {
			return
		}

		// One caller frame, then remote hangup.
		frame := make([]byte, telephony.FrameBytes)
		frame[0] = 0x7f
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}

		// Dropped carrier: kill the socket without a close handshake.
		if strings.HasSuffix(req.To, "0004") {
			conn.UnderlyingConn().Close()
			return
		}

		hangup, _ := json.Marshal(control{Event: "hangup", CallID: req.CallID})
		_ = conn.WriteMessage(websocket.TextMessage, hangup)

		// Keep the socket open until the client side closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestMediaGatewayPlaceCall(t *testing.T) {
	srv := mediaServer(t)
	defer srv.Close()

	gw := telephony.NewMediaGateway(wsURL(srv), "test-key", zap.NewNop().Sugar())

	t.Run("answered call streams frames and signals hangup", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		handle, err := gw.PlaceCall(ctx, telephony.Dial{CallID: "c1", To: "+15550199", From: "+15550100"})
		if err != nil {
			t.Fatal(err)
		}
		defer gw.Terminate(handle)

		select {
		case frame := <-handle.Frames():
			if len(frame) != telephony.FrameBytes {
				t.Fatalf("frame size = %d, want %d", len(frame), telephony.FrameBytes)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no caller frame received")
		}

		select {
		case <-handle.Hangup():
		case <-time.After(3 * time.Second):
			t.Fatal("remote hangup not signaled")
		}
	})

	t.Run("dropped stream is not a hangup", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		handle, err := gw.PlaceCall(ctx, telephony.Dial{CallID: "c4", To: "+15550004", From: "+15550100"})
		if err != nil {
			t.Fatal(err)
		}
		defer gw.Terminate(handle)

		deadline := time.After(3 * time.Second)
		for {
			select {
			case _, open := <-handle.Frames():
				if open {
					continue
				}
				select {
				case <-handle.Hangup():
					t.Fatal("dead media stream must not signal a caller hangup")
				default:
				}
				return
			case <-deadline:
				t.Fatal("frames channel did not close after the stream died")
			}
		}
	})

	t.Run("dial failures map to typed errors", func(t *testing.T) {
		cases := []struct {
			to   string
			kind telephony.DialKind
		}{
			{"+15550001", telephony.DialBusy},
			{"+15550002", telephony.DialNoAnswer},
			{"+15550003", telephony.DialInvalidNumber},
		}

		for _, c := range cases {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := gw.PlaceCall(ctx, telephony.Dial{CallID: "c2", To: c.to, From: "+15550100"})
			cancel()

			de, ok := telephony.AsDialError(err)
			if !ok {
				t.Fatalf("dial %s: error %v is not a DialError", c.to, err)
			}
			if de.Kind != c.kind {
				t.Fatalf("dial %s: kind = %s, want %s", c.to, de.Kind, c.kind)
			}
		}
	})

	t.Run("unreachable server is provider-unavailable", func(t *testing.T) {
		down := telephony.NewMediaGateway("ws://127.0.0.1:1/media", "k", zap.NewNop().Sugar())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := down.PlaceCall(ctx, telephony.Dial{CallID: "c3", To: "+15550199"})
		de, ok := telephony.AsDialError(err)
		if !ok || de.Kind != telephony.DialProviderUnavailable {
			t.Fatalf("error = %v, want provider-unavailable DialError", err)
		}
	})
}
