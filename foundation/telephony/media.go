package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control events exchanged with the media server.
const (
	eventDial       = "dial"
	eventAccept     = "accept"
	eventDialResult = "dial_result"
	eventHangup     = "hangup"
)

// Dial result statuses reported by the media server.
const (
	statusAnswered      = "answered"
	statusBusy          = "busy"
	statusNoAnswer      = "no_answer"
	statusInvalidNumber = "invalid_number"
)

type controlMessage struct {
	Event  string `json:"event"`
	CallID string `json:"call_id"`
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MediaGateway speaks the media server's websocket protocol: one
// connection per call, JSON for signaling and binary messages for audio
// frames.
type MediaGateway struct {
	url    string
	apiKey string
	logger *zap.SugaredLogger
	dialer *websocket.Dialer
}

func NewMediaGateway(url string, apiKey string, logger *zap.SugaredLogger) *MediaGateway {
	return &MediaGateway{
		url:    url,
		apiKey: apiKey,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

var _ Gateway = (*MediaGateway)(nil)

// PlaceCall opens a media connection and asks the server to dial out.
// It blocks until the call is answered or dialing fails.
func (g *MediaGateway) PlaceCall(ctx context.Context, dial Dial) (*CallHandle, error) {
	conn, err := g.connect(ctx)
	if err != nil {
		return nil, &DialError{Kind: DialProviderUnavailable, To: dial.To, Err: err}
	}

	req := controlMessage{
		Event:  eventDial,
		CallID: dial.CallID,
		To:     dial.To,
		From:   dial.From,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, &DialError{Kind: DialProviderUnavailable, To: dial.To, Err: err}
	}

	result, err := g.awaitDialResult(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, &DialError{Kind: DialProviderUnavailable, To: dial.To, Err: err}
	}

	switch result.Status {
	case statusAnswered:
		return g.bind(dial.CallID, conn), nil

	case statusBusy:
		conn.Close()
		return nil, &DialError{Kind: DialBusy, To: dial.To}

	case statusNoAnswer:
		conn.Close()
		return nil, &DialError{Kind: DialNoAnswer, To: dial.To}

	case statusInvalidNumber:
		conn.Close()
		return nil, &DialError{Kind: DialInvalidNumber, To: dial.To}

	default:
		conn.Close()
		return nil, &DialError{
			Kind: DialProviderUnavailable,
			To:   dial.To,
			Err:  fmt.Errorf("unknown dial status %q", result.Status),
		}
	}
}

// AcceptInbound answers a call the media server has offered.
func (g *MediaGateway) AcceptInbound(ctx context.Context, signal Signal) (*CallHandle, error) {
	conn, err := g.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept inbound %s: %w", signal.CallID, err)
	}

	req := controlMessage{
		Event:  eventAccept,
		CallID: signal.CallID,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("accept inbound %s: %w", signal.CallID, err)
	}

	return g.bind(signal.CallID, conn), nil
}

// Terminate delegates to the handle, which releases the call leg once.
func (g *MediaGateway) Terminate(handle *CallHandle) {
	if handle == nil {
		return
	}
	handle.Terminate()
}

// =====================================================================================================================

func (g *MediaGateway) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{"api-key": []string{g.apiKey}}
	conn, _, err := g.dialer.DialContext(ctx, g.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *MediaGateway) awaitDialResult(ctx context.Context, conn *websocket.Conn) (controlMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return controlMessage{}, err
		}
		if msg.Event == eventDialResult {
			return msg, nil
		}
	}
}

// bind wraps an answered media connection in a CallHandle and starts the
// read pump that feeds caller audio into it.
func (g *MediaGateway) bind(callID string, conn *websocket.Conn) *CallHandle {
	writeFn := func(f Frame) error {
		return conn.WriteMessage(websocket.BinaryMessage, f)
	}
	endFn := func() {
		_ = conn.WriteJSON(controlMessage{Event: eventHangup, CallID: callID})
		conn.Close()
	}

	handle := NewCallHandle(callID, writeFn, endFn)

	go g.readPump(handle, conn)

	return handle
}

func (g *MediaGateway) readPump(handle *CallHandle, conn *websocket.Conn) {
	g.logger.Infow("telephony: readPump: G started", "callID", handle.ID())
	defer g.logger.Infow("telephony: readPump: G completed", "callID", handle.ID())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-handle.Hangup():
				// The call already ended; this is our own teardown.
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				handle.SignalHangup()
				return
			}

			// The stream died mid-call. This must not read as a hangup.
			g.logger.Errorw("telephony: readPump", "callID", handle.ID(),
				"ERROR", &MediaError{CallID: handle.ID(), Err: err})
			handle.SignalMediaFailure()
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			handle.Deliver(message)

		case websocket.TextMessage:
			if isHangup(message) {
				g.logger.Infow("telephony: readPump: remote hangup", "callID", handle.ID())
				handle.SignalHangup()
				return
			}
		}
	}
}

func isHangup(message []byte) bool {
	var msg controlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return false
	}
	return msg.Event == eventHangup
}
