package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vobizlabs/goDialer/business/pipeline"
	"github.com/vobizlabs/goDialer/business/session"
	"github.com/vobizlabs/goDialer/foundation/config"
	"github.com/vobizlabs/goDialer/foundation/ledger"
	"github.com/vobizlabs/goDialer/foundation/provider"
	"github.com/vobizlabs/goDialer/foundation/telephony"
)

// Providers that block until cancelled; sessions in these tests end by
// hangup, force-end, or idle timeout rather than by conversation.
type idleTranscriber struct{}

func (idleTranscriber) Stream(ctx context.Context, audio <-chan []byte) (<-chan provider.TranscriptResult, error) {
	results := make(chan provider.TranscriptResult)
	go func() {
		defer close(results)
		for range audio {
		}
	}()
	return results, nil
}

type idleCompleter struct{}

func (idleCompleter) Complete(ctx context.Context, instructions string, history []provider.Exchange) (<-chan provider.CompletionResult, error) {
	results := make(chan provider.CompletionResult, 1)
	results <- provider.CompletionResult{Done: true}
	close(results)
	return results, nil
}

type idleSynthesizer struct{}

func (idleSynthesizer) Synthesize(ctx context.Context, text string) (<-chan provider.AudioResult, error) {
	frames := make(chan provider.AudioResult)
	close(frames)
	return frames, nil
}

func idleProviders() provider.Set {
	return provider.Set{
		Transcriber: idleTranscriber{},
		Completer:   idleCompleter{},
		Synthesizer: idleSynthesizer{},
	}
}

func shortAssistant() config.Assistant {
	return config.Assistant{
		ID: "a1",
		Pipeline: config.Pipeline{
			SilenceWindowMs: 20,
			IdleTimeoutMs:   150,
			StageTimeoutMs:  1000,
		},
	}
}

func countTerminals(t *testing.T, l *ledger.MemoryLedger, sessionID string) int {
	t.Helper()

	events, err := l.Replay(sessionID)
	require.NoError(t, err)

	terminals := 0
	for _, event := range events {
		if event.Terminal() {
			terminals++
		}
	}
	return terminals
}

func TestSessionTerminatesExactlyOnce(t *testing.T) {
	l := ledger.NewMemoryLedger()
	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})

	var releases int
	var mu sync.Mutex
	handle := telephony.NewCallHandle("call-1", func(telephony.Frame) error { return nil }, func() {
		mu.Lock()
		releases++
		mu.Unlock()
	})

	s, err := o.Start(context.Background(), "camp-1", "att-1", handle, shortAssistant(), idleProviders())
	require.NoError(t, err)

	// Race the idle timeout against concurrent force-ends.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ForceEnd("test")
		}()
	}
	wg.Wait()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never reached terminal state")
	}

	require.Equal(t, 1, countTerminals(t, l, s.ID))

	mu.Lock()
	require.Equal(t, 1, releases, "media handle must be released exactly once")
	mu.Unlock()
}

func TestSessionIdleTimeout(t *testing.T) {
	l := ledger.NewMemoryLedger()
	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})

	handle := telephony.NewCallHandle("call-2", func(telephony.Frame) error { return nil }, nil)

	s, err := o.Start(context.Background(), "camp-1", "att-1", handle, shortAssistant(), idleProviders())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session never timed out")
	}

	require.Equal(t, pipeline.OutcomeIdleTimeout, s.Outcome())
	require.Equal(t, 1, countTerminals(t, l, s.ID))

	events, err := l.Replay(s.ID)
	require.NoError(t, err)
	require.Equal(t, "idle-timeout", events[len(events)-1].Payload["outcome"])
}

func TestWriteAheadOrdering(t *testing.T) {
	l := ledger.NewMemoryLedger()
	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})

	handle := telephony.NewCallHandle("call-3", func(telephony.Frame) error { return nil }, nil)

	s, err := o.Start(context.Background(), "camp-1", "att-1", handle, shortAssistant(), idleProviders())
	require.NoError(t, err)
	<-s.Done()

	events, err := l.Replay(s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Session start precedes every state transition, and the terminal
	// event is last.
	require.Equal(t, ledger.KindSessionStarted, events[0].Kind)
	require.True(t, events[len(events)-1].Terminal())
	for i := 1; i < len(events)-1; i++ {
		require.False(t, events[i].Terminal())
	}
}

func TestStartFailsWhenLedgerFails(t *testing.T) {
	l := ledger.NewMemoryLedger()
	l.FailAppends = true

	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})

	released := false
	handle := telephony.NewCallHandle("call-4", func(telephony.Frame) error { return nil }, func() { released = true })

	_, err := o.Start(context.Background(), "camp-1", "att-1", handle, shortAssistant(), idleProviders())
	require.Error(t, err)
	require.True(t, released, "handle must not leak when the session cannot start")
}

func TestRecoverOrphans(t *testing.T) {
	l := ledger.NewMemoryLedger()

	require.NoError(t, l.Append(ledger.Event{SessionID: "dead-1", Kind: ledger.KindSessionStarted}))
	require.NoError(t, l.Append(ledger.Event{SessionID: "done-1", Kind: ledger.KindSessionStarted}))
	require.NoError(t, l.Append(ledger.Event{SessionID: "done-1", Kind: ledger.KindSessionEnded}))

	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})
	require.NoError(t, o.RecoverOrphans())

	open, err := l.OpenSessions()
	require.NoError(t, err)
	require.Empty(t, open)

	events, err := l.Replay("dead-1")
	require.NoError(t, err)
	require.True(t, events[len(events)-1].Terminal())
	require.Equal(t, "orphaned", events[len(events)-1].Payload["outcome"])
}

func TestReplayReconstruction(t *testing.T) {
	l := ledger.NewMemoryLedger()
	o := session.NewOrchestrator(session.Settings{
		Logger: zap.NewNop().Sugar(),
		Ledger: l,
	})

	handle := telephony.NewCallHandle("call-5", func(telephony.Frame) error { return nil }, nil)

	s, err := o.Start(context.Background(), "camp-1", "att-1", handle, shortAssistant(), idleProviders())
	require.NoError(t, err)
	<-s.Done()

	events, err := l.Replay(s.ID)
	require.NoError(t, err)

	summary := session.Reconstruct(events)
	require.Equal(t, s.ID, summary.SessionID)
	require.True(t, summary.Ended)
	require.Equal(t, string(s.Outcome()), summary.Outcome)
	require.Equal(t, "Ended", summary.LastState)

	// Replaying again yields the same summary.
	require.Equal(t, summary, session.Reconstruct(events))
}
