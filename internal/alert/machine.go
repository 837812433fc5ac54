package alert

import (
	"context"
	"sync"
	"time"

	"trustlink/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrContactNotFound is what TrustStore.Lookup returns for unknown ids.
var ErrContactNotFound = models.ErrContactNotFound

// TrustStore is the read-only view of the contact directory
type TrustStore interface {
	ListContacts(ctx context.Context) ([]models.Contact, error)
	Lookup(ctx context.Context, id string) (*models.Contact, error)
}

// ChallengeGenerator produces voice-password questions
type ChallengeGenerator interface {
	Generate(ctx context.Context, relation string, secretFact *string) (*models.VerificationChallenge, error)
}

// Signaler fires the haptic/alert signal
type Signaler interface {
	Signal(ctx context.Context, analysis models.RiskAnalysis) error
}

// Dialer places a phone call
type Dialer interface {
	Dial(ctx context.Context, contact models.Contact) error
}

// Options tune the machine
type Options struct {
	ChallengeTimeout time.Duration // Default: 8s
	EffectTimeout    time.Duration // Default: 10s, for fire-and-forget actions

	// OnAlert, if set, is called once per ALERTING entry with the threat
	// that raised it. It must not block.
	OnAlert func(Result)
}

// Outcome of applying a classification result
type Outcome int

const (
	OutcomeInactive Outcome = iota // no session or wrong session
	OutcomeIgnored
	OutcomeStale
	OutcomeAlerted
	OutcomeUpdated
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInactive:
		return "inactive"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	case OutcomeAlerted:
		return "alerted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeQueued:
		return "queued"
	}
	return "unknown"
}

// Snapshot is what the user-facing layer renders
type Snapshot struct {
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
	State
	Headline string    `json:"headline,omitempty"`
	At       time.Time `json:"at"`
}

// Machine serialises alert events and carries out their effects. It is the
// only writer of alert state.
type Machine struct {
	trust      TrustStore
	challenger ChallengeGenerator
	signaler   Signaler
	dialer     Dialer
	logger     *zap.Logger
	opts       Options

	mu      sync.Mutex
	state   State
	session string
	active  bool
	at      time.Time

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// NewMachine creates a machine in MONITORING with no active session.
func NewMachine(
	trust TrustStore,
	challenger ChallengeGenerator,
	signaler Signaler,
	dialer Dialer,
	opts Options,
	logger *zap.Logger,
) *Machine {
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = 8 * time.Second
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = 10 * time.Second
	}
	return &Machine{
		trust:      trust,
		challenger: challenger,
		signaler:   signaler,
		dialer:     dialer,
		logger:     logger,
		opts:       opts,
		at:         time.Now(),
		subs:       make(map[chan Snapshot]struct{}),
	}
}

// Begin starts a new monitoring session and returns its token. An alert
// left on screen by the previous session stays until the user resolves it.
func (m *Machine) Begin() string {
	m.mu.Lock()
	m.session = uuid.NewString()
	m.active = true
	m.at = time.Now()
	snap := m.snapshotLocked()
	m.publish(snap)
	m.mu.Unlock()

	m.logger.Info("Alert session started", zap.String("session_id", snap.SessionID))
	return snap.SessionID
}

// End stops accepting classification results for the current session.
// The on-screen alert, if any, stays until the user resolves it.
func (m *Machine) End() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.at = time.Now()
	snap := m.snapshotLocked()
	m.publish(snap)
	m.mu.Unlock()

	m.logger.Info("Alert session ended", zap.String("session_id", snap.SessionID))
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: m.session,
		Active:    m.active,
		State:     m.state,
		At:        m.at,
	}
	if m.state.Threat != nil {
		snap.Headline = m.state.Threat.Analysis.ThreatType.Headline()
	}
	return snap
}

// ApplyResult feeds the classification of segment seq into the machine.
// Results for a session other than the active one are dropped.
func (m *Machine) ApplyResult(session string, seq uint64, analysis models.RiskAnalysis) Outcome {
	m.mu.Lock()
	if !m.active || session != m.session {
		m.mu.Unlock()
		return OutcomeInactive
	}

	before := m.state
	next, effects, _ := Transition(before, ResultArrived{Seq: seq, Analysis: analysis})
	m.state = next

	outcome := OutcomeIgnored
	switch {
	case seq < before.LastAlertSeq:
		outcome = OutcomeStale
	case len(effects) > 0:
		outcome = OutcomeAlerted
	case next.Threat != before.Threat:
		outcome = OutcomeUpdated
	case next.Pending != before.Pending:
		outcome = OutcomeQueued
	}
	if outcome != OutcomeIgnored && outcome != OutcomeStale {
		m.at = time.Now()
		m.publish(m.snapshotLocked())
	}
	m.mu.Unlock()

	if outcome == OutcomeStale {
		m.logger.Debug("Stale classification dropped",
			zap.Uint64("seq", seq),
			zap.Uint64("last_alert_seq", before.LastAlertSeq))
	}
	m.run(context.Background(), effects)
	return outcome
}

// RequestVerification moves an alert towards a voice password. With an
// empty directory it waits for a generic challenge.
func (m *Machine) RequestVerification(ctx context.Context) (Snapshot, error) {
	contacts, err := m.trust.ListContacts(ctx)
	if err != nil {
		m.logger.Warn("Failed to list contacts, using generic challenge", zap.Error(err))
		contacts = nil
	}
	return m.fireAndWait(ctx, VerifyRequested{ContactCount: len(contacts)})
}

// ChooseIdentity selects who the caller claims to be. An empty contactID
// means the stranger identity. It returns once the challenge is ready, the
// fallback kicked in, or ctx is done.
func (m *Machine) ChooseIdentity(ctx context.Context, contactID string) (Snapshot, error) {
	id := StrangerIdentity(StrangerRelation)
	if contactID != "" {
		c, err := m.trust.Lookup(ctx, contactID)
		if err != nil {
			return m.Snapshot(), err
		}
		id = ContactIdentity(*c)
	}
	return m.fireAndWait(ctx, IdentityChosen{Identity: id})
}

// Retry discards the challenge and goes back to identity selection.
func (m *Machine) Retry() (Snapshot, error) {
	return m.fire(context.Background(), RetryRequested{})
}

// Dismiss resolves the alert. It never waits on outstanding oracle calls.
func (m *Machine) Dismiss() (Snapshot, error) {
	return m.fire(context.Background(), DismissRequested{})
}

// CallContact dials a trusted contact and resolves the alert.
func (m *Machine) CallContact(ctx context.Context, contactID string) (Snapshot, error) {
	c, err := m.trust.Lookup(ctx, contactID)
	if err != nil {
		return m.Snapshot(), err
	}
	return m.fire(ctx, ContactCalled{Contact: *c})
}

func (m *Machine) fire(ctx context.Context, e Event) (Snapshot, error) {
	snap, effects, err := m.apply(e)
	if err != nil {
		return snap, err
	}
	m.run(ctx, effects)
	return snap, nil
}

func (m *Machine) fireAndWait(ctx context.Context, e Event) (Snapshot, error) {
	snap, effects, err := m.apply(e)
	if err != nil {
		return snap, err
	}
	if done := m.run(ctx, effects); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
		return m.Snapshot(), nil
	}
	return snap, nil
}

func (m *Machine) apply(e Event) (Snapshot, []Effect, error) {
	m.mu.Lock()
	next, effects, err := Transition(m.state, e)
	if err != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil, err
	}
	prev := m.state.Phase
	m.state = next
	m.at = time.Now()
	snap := m.snapshotLocked()
	m.publish(snap)
	m.mu.Unlock()

	if prev != next.Phase {
		m.logger.Info("Alert phase changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next.Phase),
			zap.String("session_id", snap.SessionID))
	}
	return snap, effects, nil
}

// run carries out effects. Fire-and-forget actions are detached; the
// returned channel, if any, closes when a challenge request settles.
func (m *Machine) run(ctx context.Context, effects []Effect) <-chan struct{} {
	var done chan struct{}
	for _, eff := range effects {
		switch e := eff.(type) {
		case Signal:
			m.logger.Warn("Alert raised",
				zap.Uint64("seq", e.Threat.Seq),
				zap.String("risk_level", string(e.Threat.Analysis.RiskLevel)),
				zap.String("threat_type", string(e.Threat.Analysis.ThreatType)),
				zap.Int("score", e.Threat.Analysis.Score))
			if m.opts.OnAlert != nil {
				m.opts.OnAlert(e.Threat)
			}
			analysis := e.Threat.Analysis
			m.detach(func(ctx context.Context) error {
				return m.signaler.Signal(ctx, analysis)
			}, "signal")

		case Dial:
			contact := e.Contact
			m.logger.Info("Calling trusted contact",
				zap.String("contact_id", contact.ID),
				zap.String("relation", contact.Relation))
			m.detach(func(ctx context.Context) error {
				return m.dialer.Dial(ctx, contact)
			}, "dial")

		case DismissedAlert:
			fields := []zap.Field{}
			if e.Threat != nil {
				fields = append(fields, zap.Uint64("seq", e.Threat.Seq))
			}
			m.logger.Info("Alert dismissed", fields...)

		case GenerateChallenge:
			done = make(chan struct{})
			go m.generate(ctx, e, done)
		}
	}
	return done
}

func (m *Machine) detach(fn func(ctx context.Context) error, action string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.EffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Error("External action failed", zap.String("action", action), zap.Error(err))
		}
	}()
}

type generated struct {
	challenge *models.VerificationChallenge
	err       error
}

// generate asks the challenge service and applies the answer, or the
// fallback once ChallengeTimeout passes. It keeps going if the caller
// gives up waiting.
func (m *Machine) generate(ctx context.Context, eff GenerateChallenge, done chan struct{}) {
	defer close(done)

	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ChallengeTimeout)
	defer cancel()

	ch := make(chan generated, 1)
	go func() {
		c, err := m.challenger.Generate(gctx, eff.Identity.Relation, eff.Identity.SecretFact)
		ch <- generated{challenge: c, err: err}
	}()

	challenge := models.FallbackChallenge()
	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			m.logger.Warn("Challenge generation failed, using fallback",
				zap.String("relation", eff.Identity.Relation),
				zap.Error(res.err))
		case res.challenge == nil || res.challenge.Question == "":
			m.logger.Warn("Challenge generation returned nothing, using fallback",
				zap.String("relation", eff.Identity.Relation))
		default:
			challenge = *res.challenge
		}
	case <-gctx.Done():
		m.logger.Warn("Challenge generation timed out, using fallback",
			zap.String("relation", eff.Identity.Relation),
			zap.Duration("timeout", m.opts.ChallengeTimeout))
	}

	if _, _, err := m.apply(ChallengeGenerated{Attempt: eff.Attempt, Challenge: challenge}); err != nil {
		m.logger.Error("Failed to apply challenge", zap.Error(err))
	}
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only see the newest one. Call cancel when done.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	ch <- m.snapshotLocked()
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

// publish is called with m.mu held so subscribers see snapshots in order.
func (m *Machine) publish(snap Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
