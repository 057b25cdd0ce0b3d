package provider

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vobizlabs/goDialer/foundation/config"
)

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Model string `json:"model,omitempty"`
}

// WsSynthesizer streams one utterance to a websocket synthesis service
// and reads fixed-size audio frames back until the service closes the
// stream.
type WsSynthesizer struct {
	cfg    config.Provider
	dialer *websocket.Dialer
}

func NewWsSynthesizer(cfg config.Provider) *WsSynthesizer {
	return &WsSynthesizer{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
	}
}

var _ Synthesizer = (*WsSynthesizer)(nil)

func (s *WsSynthesizer) Synthesize(ctx context.Context, text string) (<-chan AudioResult, error) {
	header := http.Header{"api-key": []string{s.cfg.ApiKey}}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, header)
	if err != nil {
		return nil, transient(s.cfg.Vendor, err)
	}

	req := ttsRequest{
		Text:  text,
		Voice: s.cfg.Voice,
		Model: s.cfg.Model,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, transient(s.cfg.Vendor, err)
	}

	frames := make(chan AudioResult, 64)

	// Close the connection when the caller cancels synthesis so the
	// blocked read below returns promptly.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(frames)

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
					return
				}
				frames <- AudioResult{Error: transient(s.cfg.Vendor, err)}
				return
			}

			if messageType != websocket.BinaryMessage {
				continue
			}

			select {
			case frames <- AudioResult{Frame: message}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, nil
}
