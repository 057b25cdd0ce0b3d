package campaign

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vobizlabs/goDialer/business/pipeline"
	"github.com/vobizlabs/goDialer/business/session"
	"github.com/vobizlabs/goDialer/foundation/config"
	"github.com/vobizlabs/goDialer/foundation/external/webhook"
	"github.com/vobizlabs/goDialer/foundation/ledger"
	"github.com/vobizlabs/goDialer/foundation/provider"
	"github.com/vobizlabs/goDialer/foundation/telephony"
)

var (
	// ErrCapacity reports a dispatch past the configured bound. It marks a
	// programming or configuration error, not an operational condition.
	ErrCapacity = errors.New("dispatch capacity exceeded")

	ErrUnknownCampaign  = errors.New("unknown campaign")
	ErrAlreadySubmitted = errors.New("campaign already submitted")
	ErrNotSubmittable   = errors.New("campaign is not pending")
	ErrCampaignDone     = errors.New("campaign already resolved")
	ErrNoContacts       = errors.New("campaign has no contacts")
)

// Settings carries the dispatcher's collaborators.
type Settings struct {
	Logger   *zap.SugaredLogger
	Gateway  telephony.Gateway
	Sessions *session.Orchestrator
	Ledger   ledger.Ledger
	Webhook  *webhook.Notifier

	// Assistants resolves a campaign's assistant profile; Providers
	// builds the provider set for it.
	Assistants func(assistantID string) (config.Assistant, error)
	Providers  func(assistant config.Assistant) (provider.Set, error)

	// GlobalBound caps in-flight calls across all campaigns. DialRate
	// throttles call placement toward the telephony provider.
	GlobalBound int
	DialRate    *rate.Limiter

	// Jitter returns the random delay added to each retry backoff.
	// Defaults to a small random duration.
	Jitter func() time.Duration
}

// Dispatcher drives submitted campaigns to resolution. Multiple
// dispatchers may coexist; each owns only the campaigns submitted to it.
type Dispatcher struct {
	logger     *zap.SugaredLogger
	gateway    telephony.Gateway
	sessions   *session.Orchestrator
	ledger     ledger.Ledger
	webhook    *webhook.Notifier
	assistants func(string) (config.Assistant, error)
	providers  func(config.Assistant) (provider.Set, error)
	limiter    *rate.Limiter
	global     chan struct{}
	jitter     func() time.Duration

	mu        sync.Mutex
	campaigns map[string]*campaignRun
}

type campaignRun struct {
	campaign  *Campaign
	assistant config.Assistant
	providers provider.Set

	cancel   context.CancelFunc
	paused   atomic.Bool
	inFlight atomic.Int64
	nudge    chan struct{}
	done     chan struct{}

	statusMu sync.Mutex // guards campaign.Status

	mu   sync.Mutex
	live map[string]*session.Session
}

func (r *campaignRun) status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.campaign.Status
}

func NewDispatcher(s Settings) *Dispatcher {
	if s.GlobalBound <= 0 {
		s.GlobalBound = 8
	}
	if s.DialRate == nil {
		s.DialRate = rate.NewLimiter(rate.Inf, 0)
	}
	if s.Jitter == nil {
		s.Jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		}
	}

	return &Dispatcher{
		logger:     s.Logger,
		gateway:    s.Gateway,
		sessions:   s.Sessions,
		ledger:     s.Ledger,
		webhook:    s.Webhook,
		assistants: s.Assistants,
		providers:  s.Providers,
		limiter:    s.DialRate,
		global:     make(chan struct{}, s.GlobalBound),
		jitter:     s.Jitter,
		campaigns:  make(map[string]*campaignRun),
	}
}

// Submit takes ownership of a pending campaign and starts dispatching it.
func (d *Dispatcher) Submit(ctx context.Context, c *Campaign) error {
	if c.Status != "" && c.Status != StatusPending {
		return ErrNotSubmittable
	}
	if len(c.Contacts) == 0 {
		return ErrNoContacts
	}
	if c.Cap <= 0 {
		c.Cap = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}

	assistant, err := d.assistants(c.AssistantID)
	if err != nil {
		return err
	}
	providers, err := d.providers(assistant)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &campaignRun{
		campaign:  c,
		assistant: assistant,
		providers: providers,
		cancel:    cancel,
		nudge:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		live:      make(map[string]*session.Session),
	}

	d.mu.Lock()
	if _, exists := d.campaigns[c.ID]; exists {
		d.mu.Unlock()
		cancel()
		return ErrAlreadySubmitted
	}
	d.campaigns[c.ID] = r
	d.mu.Unlock()

	if err := d.setStatus(r, StatusRunning); err != nil {
		d.mu.Lock()
		delete(d.campaigns, c.ID)
		d.mu.Unlock()
		cancel()
		return err
	}

	go d.run(runCtx, r)
	return nil
}

// Pause stops new dispatch for the campaign. In-flight calls continue.
func (d *Dispatcher) Pause(campaignID string) error {
	r, err := d.lookup(campaignID)
	if err != nil {
		return err
	}

	if err := d.setStatus(r, StatusPaused); err != nil {
		return err
	}
	r.paused.Store(true)
	poke(r.nudge)
	return nil
}

// Resume restarts dispatch for a paused campaign.
func (d *Dispatcher) Resume(campaignID string) error {
	r, err := d.lookup(campaignID)
	if err != nil {
		return err
	}

	if err := d.setStatus(r, StatusRunning); err != nil {
		return err
	}
	r.paused.Store(false)
	poke(r.nudge)
	return nil
}

// Cancel stops new dispatch and force-ends the campaign's in-flight
// sessions. Unattempted contacts resolve as cancelled.
func (d *Dispatcher) Cancel(campaignID string) error {
	r, err := d.lookup(campaignID)
	if err != nil {
		return err
	}

	if r.status().Terminal() {
		return ErrCampaignDone
	}

	r.cancel()
	d.forceEndLive(r)
	poke(r.nudge)
	return nil
}

// InFlight reports the campaign's current in-flight attempt count.
func (d *Dispatcher) InFlight(campaignID string) int {
	r, err := d.lookup(campaignID)
	if err != nil {
		return 0
	}
	return int(r.inFlight.Load())
}

// Wait returns a channel closed when the campaign reaches a terminal
// status.
func (d *Dispatcher) Wait(campaignID string) (<-chan struct{}, error) {
	r, err := d.lookup(campaignID)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// =====================================================================================================================

type attemptWork struct {
	contact *Contact
	seq     int
	due     time.Time
}

type attemptResult struct {
	attempt    *CallAttempt
	retryable  bool
	resolution string
}

func (d *Dispatcher) run(ctx context.Context, r *campaignRun) {
	c := r.campaign

	d.logger.Infow("dispatcher: campaign: G started", "campaignID", c.ID, "contacts", len(c.Contacts))
	defer d.logger.Infow("dispatcher: campaign: G completed", "campaignID", c.ID)

	defer close(r.done)

	queue := make([]attemptWork, 0, len(c.Contacts))
	now := time.Now()
	for _, contact := range c.Contacts {
		queue = append(queue, attemptWork{contact: contact, seq: 1, due: now})
	}

	unresolved := len(c.Contacts)
	results := make(chan attemptResult)
	cancelled := ctx.Done()

	for unresolved > 0 {
		var timer *time.Timer
		var due <-chan time.Time

		if next := d.nextDispatchable(ctx, r, queue); next >= 0 {
			wait := time.Until(queue[next].due)
			if wait <= 0 {
				w := queue[next]
				queue = append(queue[:next], queue[next+1:]...)
				unresolved -= d.dispatch(ctx, r, w, results)
				continue
			}
			timer = time.NewTimer(wait)
			due = timer.C
		}

		select {
		case res := <-results:
			r.inFlight.Add(-1)
			unresolved -= d.record(ctx, r, res, &queue)

		case <-due:

		case <-r.nudge:

		case <-cancelled:
			cancelled = nil
			for _, w := range queue {
				d.resolve(r, w.contact, ContactCancelled)
				unresolved--
			}
			queue = queue[:0]
			d.forceEndLive(r)
		}

		if timer != nil {
			timer.Stop()
		}
	}

	final := StatusCompleted
	if ctx.Err() != nil {
		final = StatusCancelled
	}
	if err := d.setStatus(r, final); err != nil {
		d.logger.Errorw("dispatcher: campaign status", "campaignID", c.ID, "ERROR", err)
	}
}

// nextDispatchable returns the index of the earliest-due queued attempt,
// or -1 when dispatch is currently not allowed.
func (d *Dispatcher) nextDispatchable(ctx context.Context, r *campaignRun, queue []attemptWork) int {
	if len(queue) == 0 || r.paused.Load() || ctx.Err() != nil {
		return -1
	}
	if int(r.inFlight.Load()) >= r.campaign.Cap {
		return -1
	}

	next := 0
	for i := 1; i < len(queue); i++ {
		if queue[i].due.Before(queue[next].due) {
			next = i
		}
	}
	return next
}

// dispatch starts one attempt and returns the number of contacts it
// resolved on the spot (nonzero only when the capacity invariant is
// violated).
func (d *Dispatcher) dispatch(ctx context.Context, r *campaignRun, w attemptWork, results chan<- attemptResult) int {
	attempt := &CallAttempt{
		ID:        uuid.New().String(),
		Contact:   w.contact,
		Seq:       w.seq,
		StartedAt: time.Now(),
	}
	w.contact.Attempts = w.seq

	if n := r.inFlight.Add(1); int(n) > r.campaign.Cap {
		// Single dispatch loop per campaign; reaching here means the
		// counter discipline is broken. The attempt fails loudly.
		r.inFlight.Add(-1)
		d.logger.Errorw("dispatcher: dispatch", "campaignID", r.campaign.ID, "contact", w.contact.Number, "ERROR", ErrCapacity)
		attempt.Outcome = AttemptFailed
		d.appendAttemptOutcome(r, attempt, ErrCapacity.Error())
		d.resolve(r, w.contact, ContactFailed)
		return 1
	}

	d.append(ledger.Event{
		CampaignID: r.campaign.ID,
		Kind:       ledger.KindAttemptStarted,
		Payload: map[string]any{
			"attempt_id": attempt.ID,
			"contact":    w.contact.Number,
			"seq":        w.seq,
		},
	})

	go d.attempt(ctx, r, attempt, results)
	return 0
}

// attempt places one call and, if answered, runs its session to the end.
// It reports exactly one result; the dispatch loop releases capacity on
// receiving it.
func (d *Dispatcher) attempt(ctx context.Context, r *campaignRun, attempt *CallAttempt, results chan<- attemptResult) {
	c := r.campaign

	d.logger.Infow("dispatcher: attempt: G started", "campaignID", c.ID, "contact", attempt.Contact.Number, "seq", attempt.Seq)
	defer d.logger.Infow("dispatcher: attempt: G completed", "campaignID", c.ID, "contact", attempt.Contact.Number, "seq", attempt.Seq)

	res := d.place(ctx, r, attempt)

	attempt.Outcome = res.outcome
	d.appendAttemptOutcome(r, attempt, res.reason)

	results <- attemptResult{attempt: attempt, retryable: res.retryable, resolution: res.resolution}
}

type placement struct {
	outcome    string
	retryable  bool
	resolution string
	reason     string
}

func (d *Dispatcher) place(ctx context.Context, r *campaignRun, attempt *CallAttempt) placement {
	c := r.campaign

	select {
	case d.global <- struct{}{}:
	case <-ctx.Done():
		return placement{outcome: AttemptCancelled, resolution: ContactCancelled}
	}
	defer func() { <-d.global }()

	if err := d.limiter.Wait(ctx); err != nil {
		return placement{outcome: AttemptCancelled, resolution: ContactCancelled}
	}

	if d.webhook != nil && d.webhook.Enabled() {
		err := d.webhook.Send(webhook.Notification{
			Event:      webhook.InitiatedEvent,
			CallID:     attempt.ID,
			CampaignID: c.ID,
		})
		if err != nil {
			d.logger.Errorw("dispatcher: webhook initiated", "campaignID", c.ID, "ERROR", err)
		}
	}

	handle, err := d.gateway.PlaceCall(ctx, telephony.Dial{
		CallID: attempt.ID,
		To:     attempt.Contact.Number,
		From:   c.CallerID,
	})
	if err != nil {
		return classifyDial(err)
	}

	s, err := d.sessions.Start(ctx, c.ID, attempt.ID, handle, r.assistant, r.providers)
	if err != nil {
		// The ledger refused the session start; recoverability is
		// compromised, so the contact is not retried.
		d.logger.Errorw("dispatcher: attempt: session start", "campaignID", c.ID, "contact", attempt.Contact.Number, "ERROR", err)
		return placement{outcome: AttemptFailed, resolution: ContactFailed, reason: err.Error()}
	}
	attempt.SessionID = s.ID

	r.mu.Lock()
	r.live[attempt.ID] = s
	r.mu.Unlock()

	<-s.Done()

	r.mu.Lock()
	delete(r.live, attempt.ID)
	r.mu.Unlock()

	return classifySession(s.Outcome())
}

// record applies one attempt result to the contact and returns 1 when
// the contact resolved, 0 when a retry was scheduled.
func (d *Dispatcher) record(ctx context.Context, r *campaignRun, res attemptResult, queue *[]attemptWork) int {
	contact := res.attempt.Contact
	contact.LastOutcome = res.attempt.Outcome

	if res.resolution != "" {
		d.resolve(r, contact, res.resolution)
		return 1
	}

	if !res.retryable || ctx.Err() != nil {
		resolution := ContactFailed
		if ctx.Err() != nil {
			resolution = ContactCancelled
		}
		d.resolve(r, contact, resolution)
		return 1
	}

	if res.attempt.Seq >= r.campaign.Retry.MaxAttempts {
		d.resolve(r, contact, ContactFailed)
		return 1
	}

	backoff := r.campaign.Retry.Backoff(res.attempt.Seq) + d.jitter()
	d.logger.Infow("dispatcher: retry scheduled",
		"campaignID", r.campaign.ID, "contact", contact.Number,
		"seq", res.attempt.Seq+1, "backoff", backoff)

	*queue = append(*queue, attemptWork{
		contact: contact,
		seq:     res.attempt.Seq + 1,
		due:     time.Now().Add(backoff),
	})
	return 0
}

func (d *Dispatcher) resolve(r *campaignRun, contact *Contact, resolution string) {
	contact.Resolution = resolution

	d.append(ledger.Event{
		CampaignID: r.campaign.ID,
		Kind:       ledger.KindContactResolved,
		Payload: map[string]any{
			"contact":    contact.Number,
			"resolution": resolution,
			"attempts":   contact.Attempts,
		},
	})
}

func (d *Dispatcher) appendAttemptOutcome(r *campaignRun, attempt *CallAttempt, reason string) {
	payload := map[string]any{
		"attempt_id": attempt.ID,
		"contact":    attempt.Contact.Number,
		"seq":        attempt.Seq,
		"outcome":    attempt.Outcome,
	}
	if attempt.SessionID != "" {
		payload["session_id"] = attempt.SessionID
	}
	if reason != "" {
		payload["reason"] = reason
	}

	d.append(ledger.Event{
		CampaignID: r.campaign.ID,
		Kind:       ledger.KindAttemptOutcome,
		Payload:    payload,
	})
}

func (d *Dispatcher) setStatus(r *campaignRun, status Status) error {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	if r.campaign.Status.Terminal() {
		return ErrCampaignDone
	}
	r.campaign.Status = status

	return d.ledger.Append(ledger.Event{
		CampaignID: r.campaign.ID,
		Kind:       ledger.KindCampaignStatus,
		Payload:    map[string]any{"status": string(status)},
	})
}

func (d *Dispatcher) append(event ledger.Event) {
	if err := d.ledger.Append(event); err != nil {
		d.logger.Errorw("dispatcher: ledger append", "campaignID", event.CampaignID, "kind", event.Kind, "ERROR", err)
	}
}

func (d *Dispatcher) forceEndLive(r *campaignRun) {
	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.live))
	for _, s := range r.live {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.ForceEnd("campaign cancelled")
	}
}

func (d *Dispatcher) lookup(campaignID string) (*campaignRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, exists := d.campaigns[campaignID]
	if !exists {
		return nil, ErrUnknownCampaign
	}
	return r, nil
}

// poke nudges the dispatch loop without blocking when a nudge is
// already pending.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func classifyDial(err error) placement {
	dialErr, ok := telephony.AsDialError(err)
	if !ok {
		return placement{outcome: AttemptCancelled, resolution: ContactCancelled, reason: err.Error()}
	}

	switch dialErr.Kind {
	case telephony.DialBusy:
		return placement{outcome: AttemptBusy, retryable: true, reason: dialErr.Error()}
	case telephony.DialNoAnswer:
		return placement{outcome: AttemptNoAnswer, retryable: true, reason: dialErr.Error()}
	case telephony.DialInvalidNumber:
		return placement{outcome: AttemptFailed, resolution: ContactFailed, reason: dialErr.Error()}
	default:
		return placement{outcome: AttemptFailed, retryable: true, reason: dialErr.Error()}
	}
}

func classifySession(outcome pipeline.Outcome) placement {
	switch outcome {
	case pipeline.OutcomeCompleted, pipeline.OutcomeIdleTimeout:
		return placement{outcome: AttemptConnected, resolution: ContactCompleted}
	case pipeline.OutcomeProviderFailure:
		return placement{outcome: AttemptConnected, retryable: true, reason: string(outcome)}
	case pipeline.OutcomeCancelled:
		return placement{outcome: AttemptConnected, resolution: ContactCancelled, reason: string(outcome)}
	default:
		return placement{outcome: AttemptConnected, resolution: ContactFailed, reason: string(outcome)}
	}
}
