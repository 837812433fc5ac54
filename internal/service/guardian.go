package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trustlink/internal/alert"
	"trustlink/internal/capture"
	"trustlink/internal/models"
	"trustlink/internal/notify"

	"go.uber.org/zap"
)

// Classifier turns one audio segment into a risk verdict
type Classifier interface {
	Classify(ctx context.Context, audio []byte, mimeType string) (*models.RiskAnalysis, error)
}

// Capturer is the duty-cycled capture scheduler
type Capturer interface {
	Start(ctx context.Context, emit func(models.AudioSegment)) error
	Stop()
	Running() bool
}

// IncidentStore persists raised alerts
type IncidentStore interface {
	Save(ctx context.Context, inc *models.Incident) error
}

// Deps are the collaborators a Guardian drives
type Deps struct {
	Capturer   Capturer
	Classifier Classifier
	Trust      alert.TrustStore
	Challenger alert.ChallengeGenerator
	Signaler   alert.Signaler
	Dialer     alert.Dialer
	SOS        notify.Broadcaster
	Incidents  IncidentStore // nil disables the history
}

// Options tune the guardian
type Options struct {
	ClassifyTimeout  time.Duration // Default: 15s
	ChallengeTimeout time.Duration
	EffectTimeout    time.Duration // Default: 10s
	DataCollection   bool
}

// Status is a point-in-time view of the monitoring loop
type Status struct {
	Monitoring bool          `json:"monitoring"`
	SessionID  string        `json:"session_id,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	Period     time.Duration `json:"period_ns"`
	Segments   int64         `json:"segments"`
	Classified int64         `json:"classified"`
	Failures   int64         `json:"failures"`
	Alerts     int64         `json:"alerts"`
}

// Guardian owns one monitoring session at a time: it feeds captured
// segments to the classifier and the results to the alert machine.
type Guardian struct {
	deps    Deps
	opts    Options
	machine *alert.Machine
	logger  *zap.Logger
	period  time.Duration

	mu        sync.Mutex
	session   string
	active    bool
	startedAt time.Time

	inflight   sync.WaitGroup
	segments   atomic.Int64
	classified atomic.Int64
	failures   atomic.Int64
	alerts     atomic.Int64
}

// NewGuardian wires the alert machine to deps. period is only reported.
func NewGuardian(deps Deps, opts Options, period time.Duration, logger *zap.Logger) *Guardian {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = 15 * time.Second
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = 10 * time.Second
	}

	g := &Guardian{
		deps:   deps,
		opts:   opts,
		logger: logger,
		period: period,
	}
	g.machine = alert.NewMachine(deps.Trust, deps.Challenger, deps.Signaler, deps.Dialer, alert.Options{
		ChallengeTimeout: opts.ChallengeTimeout,
		EffectTimeout:    opts.EffectTimeout,
		OnAlert:          g.recordAlert,
	}, logger)
	return g
}

// Machine exposes the alert state for user actions.
func (g *Guardian) Machine() *alert.Machine {
	return g.machine
}

// Start begins a monitoring session and returns its id. It fails with
// capture.ErrDeviceUnavailable if the microphone cannot be had.
func (g *Guardian) Start(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		return "", fmt.Errorf("%w: monitoring already active", capture.ErrDeviceUnavailable)
	}

	session := g.machine.Begin()
	if err := g.deps.Capturer.Start(ctx, g.emitter(session)); err != nil {
		g.machine.End()
		g.logger.Error("Failed to start monitoring", zap.Error(err))
		return "", err
	}

	g.session = session
	g.active = true
	g.startedAt = time.Now()

	g.logger.Info("Monitoring started", zap.String("session_id", session))
	return session, nil
}

// Stop ends the session. Classifications still in flight finish on their
// own and are dropped by the machine. Stopping twice is a no-op.
func (g *Guardian) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return
	}
	g.deps.Capturer.Stop()
	g.machine.End()
	g.active = false

	g.logger.Info("Monitoring stopped",
		zap.String("session_id", g.session),
		zap.Duration("uptime", time.Since(g.startedAt)))
}

// Status returns counters for the current or last session.
func (g *Guardian) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{
		Monitoring: g.active,
		SessionID:  g.session,
		Period:     g.period,
		Segments:   g.segments.Load(),
		Classified: g.classified.Load(),
		Failures:   g.failures.Load(),
		Alerts:     g.alerts.Load(),
	}
	if !g.startedAt.IsZero() {
		t := g.startedAt
		s.StartedAt = &t
	}
	return s
}

// Wait blocks until every in-flight classification has been applied.
func (g *Guardian) Wait() {
	g.inflight.Wait()
}

func (g *Guardian) emitter(session string) func(models.AudioSegment) {
	return func(seg models.AudioSegment) {
		g.segments.Add(1)
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.process(session, seg)
		}()
	}
}

func (g *Guardian) process(session string, seg models.AudioSegment) {
	analysis := g.classify(seg.Data, seg.MIMEType, zap.Uint64("seq", seg.Seq))
	outcome := g.machine.ApplyResult(session, seg.Seq, analysis)

	g.logger.Debug("Segment classified",
		zap.Uint64("seq", seg.Seq),
		zap.String("risk_level", string(analysis.RiskLevel)),
		zap.String("threat_type", string(analysis.ThreatType)),
		zap.Stringer("outcome", outcome))
}

// classify never fails: any error degrades to SafeAnalysis.
func (g *Guardian) classify(audio []byte, mimeType string, fields ...zap.Field) models.RiskAnalysis {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.ClassifyTimeout)
	defer cancel()

	result, err := g.deps.Classifier.Classify(ctx, audio, mimeType)
	if err == nil && result != nil {
		err = result.Validate()
	} else if err == nil {
		err = fmt.Errorf("classifier returned no result")
	}
	if err != nil {
		g.failures.Add(1)
		g.logger.Warn("Classification failed, treating segment as safe", append(fields, zap.Error(err))...)
		return models.SafeAnalysis()
	}

	g.classified.Add(1)
	return *result
}

// recordAlert runs once per ALERTING entry.
func (g *Guardian) recordAlert(r alert.Result) {
	g.alerts.Add(1)
	if g.deps.Incidents == nil || !g.opts.DataCollection {
		return
	}

	inc := &models.Incident{
		SessionID:  g.machine.Snapshot().SessionID,
		Seq:        int64(r.Seq),
		RiskLevel:  r.Analysis.RiskLevel,
		Score:      r.Analysis.Score,
		ThreatType: r.Analysis.ThreatType,
		Advice:     r.Analysis.Advice,
		DetectedAt: time.Now(),
	}
	if r.Analysis.IsDeepfakeSuspected != nil {
		inc.DeepfakeSuspected = *r.Analysis.IsDeepfakeSuspected
	}

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.EffectTimeout)
		defer cancel()
		if err := g.deps.Incidents.Save(ctx, inc); err != nil {
			g.logger.Error("Failed to record incident", zap.Uint64("seq", r.Seq), zap.Error(err))
		}
	}()
}

// AnalyzeOnce classifies an uploaded recording outside the monitoring
// loop. It fails open like the loop; degraded reports that it did.
func (g *Guardian) AnalyzeOnce(ctx context.Context, audio []byte, mimeType string) (analysis models.RiskAnalysis, degraded bool) {
	before := g.failures.Load()
	analysis = g.classify(audio, mimeType, zap.String("source", "upload"), zap.Int("bytes", len(audio)))
	return analysis, g.failures.Load() != before
}

// QuickDial calls a contact outside any alert. The call itself is fire
// and forget.
func (g *Guardian) QuickDial(ctx context.Context, contactID string) (*models.Contact, error) {
	c, err := g.deps.Trust.Lookup(ctx, contactID)
	if err != nil {
		return nil, err
	}

	contact := *c
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), g.opts.EffectTimeout)
		defer cancel()
		if err := g.deps.Dialer.Dial(dctx, contact); err != nil {
			g.logger.Error("Quick dial failed", zap.String("contact_id", contact.ID), zap.Error(err))
		}
	}()

	g.logger.Info("Quick dial", zap.String("contact_id", contact.ID), zap.String("relation", contact.Relation))
	return c, nil
}

// SOS alerts every caregiver channel and returns the contacts it named.
func (g *Guardian) SOS(ctx context.Context) ([]models.Contact, error) {
	contacts, err := g.deps.Trust.ListContacts(ctx)
	if err != nil {
		g.logger.Warn("Failed to list contacts for SOS, sending without them", zap.Error(err))
		contacts = nil
	}
	if g.deps.SOS == nil {
		return contacts, fmt.Errorf("no SOS channel configured")
	}
	if err := g.deps.SOS.SOS(ctx, contacts); err != nil {
		return contacts, fmt.Errorf("sos broadcast failed: %w", err)
	}
	g.logger.Warn("SOS sent", zap.Int("contacts", len(contacts)))
	return contacts, nil
}

// StatusText is the one-line summary used by chat commands.
func (g *Guardian) StatusText() string {
	s := g.Status()
	snap := g.machine.Snapshot()
	if !s.Monitoring {
		return "⏸ 守護已暫停"
	}
	text := fmt.Sprintf("🛡 守護中（%d 段已分析）", s.Classified)
	if snap.Threat != nil {
		text += "\n🚨 " + snap.Headline + "：" + snap.Threat.Analysis.Advice
	}
	return text
}
