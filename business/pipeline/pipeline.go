// Package pipeline drives one call through the conversational loop:
// caller audio in, recognized text to the language model, synthesized
// speech back out. The loop is strictly sequential per session; only the
// barge-in monitor runs alongside Speaking.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vobizlabs/goDialer/foundation/config"
	"github.com/vobizlabs/goDialer/foundation/provider"
	"github.com/vobizlabs/goDialer/foundation/telephony"
)

// Turn is one contiguous utterance by either party.
type Turn struct {
	Seq         int
	Speaker     string // "caller" or "agent"
	Text        string
	StartedAt   time.Time
	EndedAt     time.Time
	Interrupted bool
	Audio       []byte // caller turns carry the recorded utterance
}

// Settings wires one coordinator.
type Settings struct {
	Logger    *zap.SugaredLogger
	Handle    *telephony.CallHandle
	Providers provider.Set
	Assistant config.Assistant

	// OnTransition is invoked before the new state is acted on, so the
	// owner can write ahead to the ledger. A returned error aborts the
	// session.
	OnTransition func(state State) error

	// OnTurn receives each completed turn in order.
	OnTurn func(turn Turn)
}

// Coordinator runs the per-session state machine.
type Coordinator struct {
	logger    *zap.SugaredLogger
	handle    *telephony.CallHandle
	providers provider.Set
	assistant config.Assistant

	onTransition func(State) error
	onTurn       func(Turn)

	state   State
	history []provider.Exchange
	turnSeq int

	// Set by the barge-in monitor while the agent is speaking. This is
	// the only state shared between concurrently running parts of one
	// session.
	bargeIn atomic.Bool

	silenceWindow    time.Duration
	stageTimeout     time.Duration
	idleTimeout      time.Duration
	maxRetries       int
	speechThreshold  float64
	bargeInThreshold float64
}

func New(s Settings) *Coordinator {
	return &Coordinator{
		logger:           s.Logger,
		handle:           s.Handle,
		providers:        s.Providers,
		assistant:        s.Assistant,
		onTransition:     s.OnTransition,
		onTurn:           s.OnTurn,
		state:            Listening,
		silenceWindow:    config.SilenceWindow(s.Assistant),
		stageTimeout:     config.StageTimeout(s.Assistant),
		idleTimeout:      config.IdleTimeout(s.Assistant),
		maxRetries:       config.MaxProviderRetries(s.Assistant),
		speechThreshold:  config.AmplitudeThreshold(s.Assistant),
		bargeInThreshold: config.BargeInThreshold(s.Assistant),
	}
}

// State returns the current pipeline state.
func (c *Coordinator) State() State {
	return c.state
}

// Run drives the loop until a terminal outcome. It blocks and must be
// the only goroutine touching the coordinator, apart from the barge-in
// monitor it starts itself.
func (c *Coordinator) Run(ctx context.Context) Outcome {
	c.logger.Infow("pipeline: run: G started", "callID", c.handle.ID())
	defer c.logger.Infow("pipeline: run: G completed", "callID", c.handle.ID())

	if first := c.assistant.FirstMessage; first != "" {
		outcome, done := c.speakText(ctx, first)
		if done {
			return c.end(outcome)
		}
	}

	for {
		utterance, outcome, done := c.listen(ctx)
		if done {
			return c.end(outcome)
		}

		transcript, outcome, done := c.transcribe(ctx, utterance)
		if done {
			return c.end(outcome)
		}
		if transcript == "" {
			// Noise, not speech. Keep listening without burning a turn.
			if err := c.transition(Listening); err != nil {
				return c.end(OutcomeLedgerFailure)
			}
			continue
		}

		c.recordTurn(Turn{Speaker: "caller", Text: transcript, Audio: utterance})
		c.history = append(c.history, provider.Exchange{Role: "caller", Text: transcript})

		outcome, done = c.respond(ctx, transcript)
		if done {
			return c.end(outcome)
		}
	}
}

// =====================================================================================================================
// Listening

// listen buffers caller audio until an utterance ends: energy above the
// threshold followed by a silent window.
func (c *Coordinator) listen(ctx context.Context) ([]byte, Outcome, bool) {
	if err := c.transition(Listening); err != nil {
		return nil, OutcomeLedgerFailure, true
	}

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	windowTick := time.NewTicker(c.silenceWindow)
	defer windowTick.Stop()

	var window []byte
	var utterance []byte
	var inSpeech bool

	for {
		select {
		case frame, open := <-c.handle.Frames():
			if !open {
				select {
				case <-c.handle.Hangup():
					return nil, OutcomeCompleted, true
				default:
					return nil, OutcomeMediaError, true
				}
			}
			window = append(window, frame...)

		case <-windowTick.C:
			if len(window) == 0 {
				if inSpeech {
					return utterance, "", false
				}
				continue
			}

			switch Amplitude(window) > c.speechThreshold {
			case true:
				inSpeech = true
				utterance = append(utterance, window...)

			case false:
				if inSpeech {
					return utterance, "", false
				}
			}
			window = nil

		case <-c.handle.Hangup():
			return nil, OutcomeCompleted, true

		case <-idle.C:
			return nil, OutcomeIdleTimeout, true

		case <-ctx.Done():
			return nil, OutcomeCancelled, true
		}
	}
}

// =====================================================================================================================
// Transcribing

func (c *Coordinator) transcribe(ctx context.Context, utterance []byte) (string, Outcome, bool) {
	if err := c.transition(Transcribing); err != nil {
		return "", OutcomeLedgerFailure, true
	}

	var transcript string

	err := withRetry(ctx, c.maxRetries, func() error {
		stageCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()

		audio := make(chan []byte)
		results, err := c.providers.Transcriber.Stream(stageCtx, audio)
		if err != nil {
			return err
		}

		go func() {
			defer close(audio)
			for offset := 0; offset < len(utterance); offset += telephony.FrameBytes {
				end := offset + telephony.FrameBytes
				if end > len(utterance) {
					end = len(utterance)
				}
				select {
				case audio <- utterance[offset:end]:
				case <-stageCtx.Done():
					return
				}
			}
		}()

		var lastPartial string
		for {
			select {
			case result, open := <-results:
				if !open {
					transcript = lastPartial
					return nil
				}
				if result.Error != nil {
					return result.Error
				}
				if result.IsFinal {
					transcript = result.Transcript
					return nil
				}
				lastPartial = result.Transcript

			case <-stageCtx.Done():
				return stageCtx.Err()
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", c.cancelOutcome(), true
		}
		c.logger.Errorw("pipeline: transcribe", "callID", c.handle.ID(), "ERROR", err)
		return "", OutcomeProviderFailure, true
	}

	return strings.TrimSpace(transcript), "", false
}

// =====================================================================================================================
// Thinking and Speaking

// respond streams the model completion and speaks it segment by segment.
// The first synthesizable segment moves the pipeline to Speaking.
func (c *Coordinator) respond(ctx context.Context, transcript string) (Outcome, bool) {
	if err := c.transition(Thinking); err != nil {
		return OutcomeLedgerFailure, true
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turnStart := time.Now()
	speaking := false
	stopMonitor := func() {}

	var spoken strings.Builder
	var pending strings.Builder

	finishAgentTurn := func(interrupted bool) {
		stopMonitor()
		if spoken.Len() == 0 && !interrupted {
			return
		}
		text := strings.TrimSpace(spoken.String())
		c.recordTurn(Turn{Speaker: "agent", Text: text, StartedAt: turnStart, Interrupted: interrupted})
		if text != "" {
			c.history = append(c.history, provider.Exchange{Role: "agent", Text: text})
		}
	}

	speakSegment := func(segment string) (Outcome, bool) {
		if !speaking {
			if err := c.transition(Speaking); err != nil {
				return OutcomeLedgerFailure, true
			}
			speaking = true
			stopMonitor = c.startBargeInMonitor()
		}

		outcome, done := c.synthesize(turnCtx, segment)
		if done {
			if outcome == "" { // barge-in
				cancel()
				finishAgentTurn(true)
				if err := c.transition(Interrupted); err != nil {
					return OutcomeLedgerFailure, true
				}
				return "", false
			}
			finishAgentTurn(false)
			return outcome, true
		}

		if spoken.Len() > 0 {
			spoken.WriteString(" ")
		}
		spoken.WriteString(segment)
		return "", false
	}

	var outcome Outcome
	var done bool

	// The completion stream is consumed inside the retry so a transient
	// mid-stream failure restarts the completion, not just its setup.
	err := withRetry(ctx, c.maxRetries, func() error {
		results, err := c.providers.Completer.Complete(turnCtx, c.assistant.Instructions, c.history)
		if err != nil {
			return err
		}
		pending.Reset()

		for {
			select {
			case result, open := <-results:
				if !open {
					result = provider.CompletionResult{Done: true}
				}
				if result.Error != nil {
					return result.Error
				}

				if result.Done {
					if rest := strings.TrimSpace(pending.String()); rest != "" {
						if o, d := speakSegment(rest); d || c.state == Interrupted {
							outcome, done = o, d
							return nil
						}
					}
					finishAgentTurn(false)
					return nil
				}

				pending.WriteString(result.Chunk)
				for {
					segment, rest, ok := splitSegment(pending.String())
					if !ok {
						break
					}
					pending.Reset()
					pending.WriteString(rest)

					o, d := speakSegment(segment)
					if d {
						outcome, done = o, true
						return nil
					}
					if c.state == Interrupted {
						return nil
					}
				}

			case <-c.handle.Hangup():
				finishAgentTurn(false)
				outcome, done = OutcomeCompleted, true
				return nil

			case <-ctx.Done():
				finishAgentTurn(false)
				outcome, done = c.cancelOutcome(), true
				return nil
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			finishAgentTurn(false)
			return c.cancelOutcome(), true
		}
		c.logger.Errorw("pipeline: respond: completion", "callID", c.handle.ID(), "ERROR", err)
		finishAgentTurn(false)
		return OutcomeProviderFailure, true
	}

	return outcome, done
}

// speakText speaks a canned utterance outside the completion loop (the
// assistant's first message).
func (c *Coordinator) speakText(ctx context.Context, text string) (Outcome, bool) {
	if err := c.transition(Speaking); err != nil {
		return OutcomeLedgerFailure, true
	}

	stopMonitor := c.startBargeInMonitor()
	defer stopMonitor()

	turnStart := time.Now()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome, done := c.synthesize(turnCtx, text)
	if done && outcome == "" {
		cancel()
		c.recordTurn(Turn{Speaker: "agent", Text: text, StartedAt: turnStart, Interrupted: true})
		if err := c.transition(Interrupted); err != nil {
			return OutcomeLedgerFailure, true
		}
		return "", false
	}
	if done {
		return outcome, true
	}

	c.recordTurn(Turn{Speaker: "agent", Text: text, StartedAt: turnStart})
	c.history = append(c.history, provider.Exchange{Role: "agent", Text: text})
	return "", false
}

// synthesize streams one segment's audio to the caller, retrying the
// segment from the start when the stream fails transiently. It reports
// (outcome, true) on a terminal condition and ("", true) when barge-in
// stopped the segment.
func (c *Coordinator) synthesize(ctx context.Context, text string) (Outcome, bool) {
	var outcome Outcome
	var done bool

	err := withRetry(ctx, c.maxRetries, func() error {
		frames, err := c.providers.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			return err
		}

		for {
			select {
			case result, open := <-frames:
				if !open {
					return nil
				}
				if result.Error != nil {
					return result.Error
				}

				if c.bargeIn.Load() {
					outcome, done = "", true
					return nil
				}

				if err := c.handle.Write(result.Frame); err != nil {
					select {
					case <-c.handle.Hangup():
						outcome, done = OutcomeCompleted, true
					default:
						c.logger.Errorw("pipeline: synthesize: write", "callID", c.handle.ID(), "ERROR", err)
						outcome, done = OutcomeMediaError, true
					}
					return nil
				}

			case <-c.handle.Hangup():
				outcome, done = OutcomeCompleted, true
				return nil

			case <-ctx.Done():
				if c.bargeIn.Load() {
					outcome, done = "", true
					return nil
				}
				outcome, done = c.cancelOutcome(), true
				return nil
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			if c.bargeIn.Load() {
				return "", true
			}
			return c.cancelOutcome(), true
		}
		c.logger.Errorw("pipeline: synthesize", "callID", c.handle.ID(), "ERROR", err)
		return OutcomeProviderFailure, true
	}

	return outcome, done
}

// startBargeInMonitor watches caller audio while the agent speaks and
// raises the barge-in flag when caller energy crosses the threshold. It
// returns a stop function that also clears the flag.
func (c *Coordinator) startBargeInMonitor() func() {
	c.bargeIn.Store(false)

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		for {
			select {
			case frame, open := <-c.handle.Frames():
				if !open {
					return
				}
				if Amplitude(frame) > c.bargeInThreshold {
					c.bargeIn.Store(true)
					return
				}

			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		c.bargeIn.Store(false)
	}
}

// =====================================================================================================================

func (c *Coordinator) transition(state State) error {
	c.state = state
	c.logger.Infow("pipeline: transition", "callID", c.handle.ID(), "state", state.String())

	if c.onTransition != nil {
		if err := c.onTransition(state); err != nil {
			c.logger.Errorw("pipeline: transition", "callID", c.handle.ID(), "ERROR", err)
			return err
		}
	}
	return nil
}

func (c *Coordinator) end(outcome Outcome) Outcome {
	c.state = Ended
	if c.onTransition != nil {
		_ = c.onTransition(Ended)
	}
	return outcome
}

func (c *Coordinator) recordTurn(turn Turn) {
	c.turnSeq++
	turn.Seq = c.turnSeq
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now()
	}
	turn.EndedAt = time.Now()

	if c.onTurn != nil {
		c.onTurn(turn)
	}
}

func (c *Coordinator) cancelOutcome() Outcome {
	select {
	case <-c.handle.Hangup():
		return OutcomeCompleted
	default:
		return OutcomeCancelled
	}
}

// splitSegment cuts the first synthesizable sentence off text. A segment
// ends at sentence punctuation; trailing fragments wait for more chunks.
func splitSegment(text string) (segment string, rest string, ok bool) {
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			end := i + 1
			return strings.TrimSpace(text[:end]), strings.TrimSpace(text[end:]), true
		}
	}
	return "", text, false
}
