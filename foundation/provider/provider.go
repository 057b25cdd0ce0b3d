// Package provider abstracts the three streaming AI services a call
// pipeline depends on: speech recognition, language model completion, and
// speech synthesis. Implementations are selected by assistant
// configuration, never by runtime type inspection.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// TranscriptResult is one partial or final recognition result.
type TranscriptResult struct {
	Transcript string
	IsFinal    bool
	Error      error
}

// CompletionResult is one streamed chunk of model output. Done marks the
// end of the completion.
type CompletionResult struct {
	Chunk string
	Done  bool
	Error error
}

// AudioResult is one synthesized audio frame.
type AudioResult struct {
	Frame []byte
	Error error
}

// Exchange is one prior turn handed to the language model as history.
type Exchange struct {
	Role string // "caller" or "agent"
	Text string
}

// Transcriber streams caller audio to a recognition service and emits
// partial and final transcripts. The result channel closes when ctx is
// cancelled or the provider stream ends.
type Transcriber interface {
	Stream(ctx context.Context, audio <-chan []byte) (<-chan TranscriptResult, error)
}

// Completer streams a model completion for the latest caller utterance.
type Completer interface {
	Complete(ctx context.Context, instructions string, history []Exchange) (<-chan CompletionResult, error)
}

// Synthesizer streams synthesized speech frames for one agent utterance.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan AudioResult, error)
}

// Error classifies a provider failure. Transient failures are retried by
// the pipeline; fatal ones end the session.
type Error struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider failure worth retrying.
// Deadline expiry counts as transient: the service may just be slow.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func transient(name string, err error) *Error {
	return &Error{Provider: name, Transient: true, Err: err}
}

func fatal(name string, err error) *Error {
	return &Error{Provider: name, Transient: false, Err: err}
}
