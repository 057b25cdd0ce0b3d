package provider

import (
	"fmt"

	"github.com/vobizlabs/goDialer/foundation/config"
)

// Set bundles the three providers driving one session's pipeline.
type Set struct {
	Transcriber Transcriber
	Completer   Completer
	Synthesizer Synthesizer
}

// Recognized vendor identities per capability. All websocket STT/TTS
// vendors share one wire protocol shape; the vendor string selects
// endpoint conventions and keeps configuration explicit.
var (
	sttVendors = map[string]bool{"deepgram": true, "azure": true, "google": true}
	llmVendors = map[string]bool{"openai": true, "groq": true, "cerebras": true, "openrouter": true}
	ttsVendors = map[string]bool{"cartesia": true, "elevenlabs": true, "azure": true}
)

// NewSet builds the provider set named by an assistant profile.
func NewSet(assistant config.Assistant) (Set, error) {
	if !sttVendors[assistant.Stt.Vendor] {
		return Set{}, fmt.Errorf("unknown stt vendor %q", assistant.Stt.Vendor)
	}
	if !llmVendors[assistant.Llm.Vendor] {
		return Set{}, fmt.Errorf("unknown llm vendor %q", assistant.Llm.Vendor)
	}
	if !ttsVendors[assistant.Tts.Vendor] {
		return Set{}, fmt.Errorf("unknown tts vendor %q", assistant.Tts.Vendor)
	}

	return Set{
		Transcriber: NewWsTranscriber(assistant.Stt, assistant.Language),
		Completer:   NewSseCompleter(assistant.Llm),
		Synthesizer: NewWsSynthesizer(assistant.Tts),
	}, nil
}
