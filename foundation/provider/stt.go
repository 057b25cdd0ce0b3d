package provider

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vobizlabs/goDialer/foundation/config"
)

// sttRegister is sent once after connecting to pin language and model.
type sttRegister struct {
	Model        string `json:"model"`
	LanguageCode string `json:"language_code"`
}

type sttResult struct {
	Transcription string `json:"transcription"`
	IsFinal       bool   `json:"is_final"`
}

// WsTranscriber streams audio to a websocket recognition service: binary
// messages carry audio in, JSON results come back.
type WsTranscriber struct {
	cfg      config.Provider
	language string
	dialer   *websocket.Dialer
}

func NewWsTranscriber(cfg config.Provider, language string) *WsTranscriber {
	return &WsTranscriber{
		cfg:      cfg,
		language: language,
		dialer:   websocket.DefaultDialer,
	}
}

var _ Transcriber = (*WsTranscriber)(nil)

func (t *WsTranscriber) Stream(ctx context.Context, audio <-chan []byte) (<-chan TranscriptResult, error) {
	header := http.Header{"api-key": []string{t.cfg.ApiKey}}
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.Endpoint, header)
	if err != nil {
		return nil, transient(t.cfg.Vendor, err)
	}

	register := sttRegister{
		Model:        t.cfg.Model,
		LanguageCode: t.language,
	}
	if err := conn.WriteJSON(register); err != nil {
		conn.Close()
		return nil, transient(t.cfg.Vendor, err)
	}

	results := make(chan TranscriptResult, 10)

	// Writer: audio frames out.
	go func() {
		defer conn.Close()

		for {
			select {
			case frame, open := <-audio:
				if !open {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader: transcripts in.
	go func() {
		defer close(results)

		for {
			var result sttResult
			if err := conn.ReadJSON(&result); err != nil {
				if ctx.Err() == nil {
					results <- TranscriptResult{Error: transient(t.cfg.Vendor, err)}
				}
				return
			}

			select {
			case results <- TranscriptResult{Transcript: result.Transcription, IsFinal: result.IsFinal}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}
