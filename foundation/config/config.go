package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// GetAssistant loads the profile file and returns the assistant with the
// given id.
func GetAssistant(configPath string, assistantID string) (Assistant, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return Assistant{}, err
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Assistant{}, err
	}

	var config Config

	if err := json.Unmarshal(bytes, &config); err != nil {
		return Assistant{}, err
	}

	assistant, exists := assistantExists(config.Assistants, assistantID)
	if !exists {
		return Assistant{}, fmt.Errorf("assistant[%s] does not exist", assistantID)
	}

	return assistant, nil
}

// SilenceWindow returns the buffered-audio window evaluated for end of
// utterance.
func SilenceWindow(a Assistant) time.Duration {
	return millis(a.Pipeline.SilenceWindowMs, 1000)
}

// StageTimeout bounds one provider call within a pipeline stage.
func StageTimeout(a Assistant) time.Duration {
	return millis(a.Pipeline.StageTimeoutMs, 15000)
}

// IdleTimeout bounds a session with no caller or agent activity.
func IdleTimeout(a Assistant) time.Duration {
	return millis(a.Pipeline.IdleTimeoutMs, 30000)
}

// MaxProviderRetries bounds retries of one transient provider failure.
func MaxProviderRetries(a Assistant) int {
	if a.Pipeline.MaxProviderRetries <= 0 {
		return 2
	}
	return a.Pipeline.MaxProviderRetries
}

// AmplitudeThreshold is the speech-energy floor for utterance detection.
func AmplitudeThreshold(a Assistant) float64 {
	if a.Pipeline.AmplitudeThreshold <= 0 {
		return 0.05
	}
	return a.Pipeline.AmplitudeThreshold
}

// BargeInThreshold is the caller-energy floor that interrupts agent speech.
func BargeInThreshold(a Assistant) float64 {
	if a.Pipeline.BargeInThreshold <= 0 {
		return AmplitudeThreshold(a)
	}
	return a.Pipeline.BargeInThreshold
}

func assistantExists(assistants []Assistant, assistantID string) (Assistant, bool) {
	for _, a := range assistants {
		if a.ID == assistantID {
			return a, true
		}
	}
	return Assistant{}, false
}

func millis(ms int, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
