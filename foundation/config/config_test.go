package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vobizlabs/goDialer/foundation/config"
)

const profile = `{
  "assistants": [
    {
      "id": "survey-1",
      "name": "Survey Agent",
      "instructions": "You run a short customer survey.",
      "first_message": "Hi, do you have a minute?",
      "language": "en-US",
      "stt": {"vendor": "deepgram", "endpoint": "wss://stt.example.com/v1", "model": "nova-2"},
      "llm": {"vendor": "openai", "endpoint": "https://llm.example.com/v1", "model": "gpt-4o-mini"},
      "tts": {"vendor": "cartesia", "endpoint": "wss://tts.example.com/v1", "voice": "en-warm-1"},
      "pipeline": {"silence_window_ms": 800, "amplitude_threshold": 0.04, "stage_timeout_ms": 12000}
    }
  ]
}`

func writeProfile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "assistants.json")
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetAssistant(t *testing.T) {
	path := writeProfile(t)

	t.Run("assistant exists", func(t *testing.T) {
		assistant, err := config.GetAssistant(path, "survey-1")
		if err != nil {
			t.Fatal(err)
		}
		if assistant.Stt.Vendor != "deepgram" {
			t.Fatalf("stt vendor = %q, want deepgram", assistant.Stt.Vendor)
		}
		if assistant.Tts.Voice != "en-warm-1" {
			t.Fatalf("tts voice = %q, want en-warm-1", assistant.Tts.Voice)
		}
	})

	t.Run("assistant does not exist", func(t *testing.T) {
		_, err := config.GetAssistant(path, "nope")
		if err == nil {
			t.Fatal("expected error for unknown assistant")
		}
	})
}

func TestTuningDefaults(t *testing.T) {
	path := writeProfile(t)

	assistant, err := config.GetAssistant(path, "survey-1")
	if err != nil {
		t.Fatal(err)
	}

	if got := config.SilenceWindow(assistant); got != 800*time.Millisecond {
		t.Fatalf("silence window = %v, want 800ms", got)
	}
	if got := config.StageTimeout(assistant); got != 12*time.Second {
		t.Fatalf("stage timeout = %v, want 12s", got)
	}

	// Unset values fall back.
	if got := config.IdleTimeout(assistant); got != 30*time.Second {
		t.Fatalf("idle timeout default = %v, want 30s", got)
	}
	if got := config.MaxProviderRetries(assistant); got != 2 {
		t.Fatalf("max provider retries default = %d, want 2", got)
	}
	if got := config.BargeInThreshold(assistant); got != 0.04 {
		t.Fatalf("barge-in threshold should fall back to amplitude threshold, got %v", got)
	}
}
