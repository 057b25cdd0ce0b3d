// Package session owns the lifetime of one answered call: it binds the
// media handle to a pipeline coordinator, writes every transition ahead
// to the ledger, and guarantees exactly one terminal transition with
// exactly one handle release.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vobizlabs/goDialer/business/pipeline"
	"github.com/vobizlabs/goDialer/foundation/config"
	"github.com/vobizlabs/goDialer/foundation/external/webhook"
	"github.com/vobizlabs/goDialer/foundation/ledger"
	"github.com/vobizlabs/goDialer/foundation/provider"
	"github.com/vobizlabs/goDialer/foundation/pubsub"
	"github.com/vobizlabs/goDialer/foundation/recording"
	"github.com/vobizlabs/goDialer/foundation/state"
	"github.com/vobizlabs/goDialer/foundation/telephony"
)

// Broker topics published per session.
const (
	TopicTurns    = "session.turns"
	TopicTerminal = "session.terminal"
)

// TurnEvent is the broker payload for one completed turn.
type TurnEvent struct {
	SessionID  string
	CampaignID string
	Turn       pipeline.Turn
}

// TerminalEvent is the broker payload for a session's end.
type TerminalEvent struct {
	SessionID  string
	CampaignID string
	AttemptID  string
	Outcome    pipeline.Outcome
}

// Settings carries the collaborators shared by every session.
type Settings struct {
	Logger   *zap.SugaredLogger
	Ledger   ledger.Ledger
	Broker   *pubsub.Broker
	Webhook  *webhook.Notifier
	Recorder recording.Sink
}

// Orchestrator creates and recovers sessions.
type Orchestrator struct {
	logger   *zap.SugaredLogger
	ledger   ledger.Ledger
	broker   *pubsub.Broker
	webhook  *webhook.Notifier
	recorder recording.Sink
}

func NewOrchestrator(s Settings) *Orchestrator {
	return &Orchestrator{
		logger:   s.Logger,
		ledger:   s.Ledger,
		broker:   s.Broker,
		webhook:  s.Webhook,
		recorder: s.Recorder,
	}
}

// Session is one live call.
type Session struct {
	ID         string
	AttemptID  string // back-reference by id only; the attempt owns itself
	CampaignID string

	orchestrator *Orchestrator
	handle       *telephony.CallHandle
	coordinator  *pipeline.Coordinator
	services     *state.State

	cancel  context.CancelFunc
	endOnce sync.Once
	done    chan struct{}

	mu      sync.Mutex
	outcome pipeline.Outcome
}

// Start creates a session bound to an answered call's handle and runs
// its pipeline. The session-started event is written before the pipeline
// is allowed to act.
func (o *Orchestrator) Start(ctx context.Context, campaignID string, attemptID string, handle *telephony.CallHandle, assistant config.Assistant, providers provider.Set) (*Session, error) {
	s := &Session{
		ID:           uuid.New().String(),
		AttemptID:    attemptID,
		CampaignID:   campaignID,
		orchestrator: o,
		handle:       handle,
		services:     state.NewState(),
		done:         make(chan struct{}),
	}

	err := o.ledger.Append(ledger.Event{
		SessionID:  s.ID,
		CampaignID: campaignID,
		Kind:       ledger.KindSessionStarted,
		Payload: map[string]any{
			"call_id":    handle.ID(),
			"attempt_id": attemptID,
			"assistant":  assistant.ID,
		},
	})
	if err != nil {
		// The session never existed as far as recovery is concerned, so
		// the call must not proceed.
		handle.Terminate()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.coordinator = pipeline.New(pipeline.Settings{
		Logger:       o.logger,
		Handle:       handle,
		Providers:    providers,
		Assistant:    assistant,
		OnTransition: s.onTransition,
		OnTurn:       s.onTurn,
	})

	if o.webhook != nil && o.webhook.Enabled() {
		if err := o.webhook.Send(webhook.Notification{
			Event:      webhook.AnsweredEvent,
			CallID:     handle.ID(),
			CampaignID: campaignID,
			SessionID:  s.ID,
		}); err != nil {
			o.logger.Errorw("session: webhook answered", "sessionID", s.ID, "ERROR", err)
			s.services.Set(state.Webhook, false)
		}
	}

	go func() {
		outcome := s.coordinator.Run(runCtx)
		s.finish(outcome)
	}()

	return s, nil
}

// RecoverOrphans force-terminates every session the ledger shows as open.
// Their media handles are assumed gone after a restart.
func (o *Orchestrator) RecoverOrphans() error {
	open, err := o.ledger.OpenSessions()
	if err != nil {
		return err
	}

	for _, sessionID := range open {
		o.logger.Infow("session: recover: force-terminating orphan", "sessionID", sessionID)

		err := o.ledger.Append(ledger.Event{
			SessionID: sessionID,
			Kind:      ledger.KindSessionEnded,
			Payload:   map[string]any{"outcome": "orphaned"},
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// =====================================================================================================================

// Done is closed after the terminal transition is recorded and the
// handle released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome is valid after Done is closed.
func (s *Session) Outcome() pipeline.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// ForceEnd interrupts the session from outside (campaign cancelled,
// shutdown). All pipeline waits unwind within their cancellation bounds.
func (s *Session) ForceEnd(reason string) {
	s.orchestrator.logger.Infow("session: force end", "sessionID", s.ID, "reason", reason)
	s.cancel()
	s.handle.Terminate()
}

// onTransition writes the state change ahead of the pipeline acting on
// it. The terminal state is recorded by finish, with its outcome.
func (s *Session) onTransition(st pipeline.State) error {
	if st == pipeline.Ended {
		return nil
	}

	err := s.orchestrator.ledger.Append(ledger.Event{
		SessionID:  s.ID,
		CampaignID: s.CampaignID,
		Kind:       ledger.KindSessionState,
		Payload:    map[string]any{"state": st.String()},
	})
	if err != nil {
		s.orchestrator.logger.Errorw("session: transition append", "sessionID", s.ID, "ERROR", err)
	}
	return err
}

// onTurn records the turn and fans it out to the optional collaborators.
// Collaborator failures disable that collaborator for the rest of the
// session; they never end the call.
func (s *Session) onTurn(turn pipeline.Turn) {
	o := s.orchestrator

	err := o.ledger.Append(ledger.Event{
		SessionID:  s.ID,
		CampaignID: s.CampaignID,
		Kind:       ledger.KindSessionTurn,
		Payload: map[string]any{
			"seq":         turn.Seq,
			"speaker":     turn.Speaker,
			"text":        turn.Text,
			"interrupted": turn.Interrupted,
		},
	})
	if err != nil {
		o.logger.Errorw("session: turn append", "sessionID", s.ID, "ERROR", err)
	}

	if o.broker != nil {
		if err := o.broker.Publish(TopicTurns, TurnEvent{SessionID: s.ID, CampaignID: s.CampaignID, Turn: turn}); err != nil {
			o.logger.Infow("session: turn publish", "sessionID", s.ID, "detail", err)
		}
	}

	if o.recorder != nil && len(turn.Audio) > 0 && s.services.Get(state.Recording) {
		err := o.recorder.Store(recording.Clip{
			SessionID: s.ID,
			TurnSeq:   turn.Seq,
			Speaker:   turn.Speaker,
			Audio:     turn.Audio,
			StartedAt: turn.StartedAt,
		})
		if err != nil {
			o.logger.Errorw("session: recording", "sessionID", s.ID, "ERROR", err)
			s.services.Set(state.Recording, false)
		}
	}
}

// finish performs the exactly-once terminal transition: terminal event
// written first, then the handle released, then waiters signaled.
func (s *Session) finish(outcome pipeline.Outcome) {
	s.endOnce.Do(func() {
		o := s.orchestrator

		s.mu.Lock()
		s.outcome = outcome
		s.mu.Unlock()

		err := o.ledger.Append(ledger.Event{
			SessionID:  s.ID,
			CampaignID: s.CampaignID,
			Kind:       ledger.KindSessionEnded,
			Payload:    map[string]any{"outcome": string(outcome), "attempt_id": s.AttemptID},
		})
		if err != nil {
			// Escalate loudly: recoverability is compromised for this
			// session. The handle is still released below.
			o.logger.Errorw("session: terminal append", "sessionID", s.ID, "ERROR", err)
		}

		s.handle.Terminate()
		s.cancel()

		if o.broker != nil {
			terminal := TerminalEvent{SessionID: s.ID, CampaignID: s.CampaignID, AttemptID: s.AttemptID, Outcome: outcome}
			if err := o.broker.Publish(TopicTerminal, terminal); err != nil {
				o.logger.Infow("session: terminal publish", "sessionID", s.ID, "detail", err)
			}
		}

		if o.webhook != nil && o.webhook.Enabled() && s.services.Get(state.Webhook) {
			event := webhook.CompletedEvent
			if outcome != pipeline.OutcomeCompleted {
				event = webhook.FailedEvent
			}
			err := o.webhook.Send(webhook.Notification{
				Event:      event,
				CallID:     s.handle.ID(),
				CampaignID: s.CampaignID,
				SessionID:  s.ID,
				Outcome:    string(outcome),
			})
			if err != nil {
				o.logger.Errorw("session: webhook terminal", "sessionID", s.ID, "ERROR", err)
			}
		}

		o.logger.Infow("session: ended", "sessionID", s.ID, "outcome", string(outcome))
		close(s.done)
	})
}
