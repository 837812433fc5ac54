package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trustlink/internal/alert"
	"trustlink/internal/capture"
	"trustlink/internal/models"

	"go.uber.org/zap"
)

type fakeCapturer struct {
	mu      sync.Mutex
	emit    func(models.AudioSegment)
	running bool
	err     error
	stops   int
}

func (c *fakeCapturer) Start(ctx context.Context, emit func(models.AudioSegment)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.emit = emit
	c.running = true
	return nil
}

func (c *fakeCapturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.stops++
}

func (c *fakeCapturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeCapturer) send(seq uint64) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	emit(models.AudioSegment{Seq: seq, MIMEType: "audio/wav", Data: []byte{byte(seq)}})
}

// fakeClassifier answers by the first byte of the segment.
type fakeClassifier struct {
	mu      sync.Mutex
	answers map[byte]*models.RiskAnalysis
	err     error
}

func (c *fakeClassifier) Classify(ctx context.Context, audio []byte, mimeType string) (*models.RiskAnalysis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio")
	}
	if a, ok := c.answers[audio[0]]; ok {
		return a, nil
	}
	safe := models.SafeAnalysis()
	return &safe, nil
}

type fakeTrust struct {
	contacts []models.Contact
}

func (s *fakeTrust) ListContacts(ctx context.Context) ([]models.Contact, error) {
	return s.contacts, nil
}

func (s *fakeTrust) Lookup(ctx context.Context, id string) (*models.Contact, error) {
	for _, c := range s.contacts {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, models.ErrContactNotFound
}

type fakeChallenger struct{}

func (fakeChallenger) Generate(ctx context.Context, relation string, fact *string) (*models.VerificationChallenge, error) {
	return &models.VerificationChallenge{Question: relation + "?", AnswerContext: "test"}, nil
}

type fakeEffects struct {
	mu      sync.Mutex
	signals int
	dials   []string
	sos     [][]models.Contact
	dialed  chan string
}

func (e *fakeEffects) Signal(ctx context.Context, a models.RiskAnalysis) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals++
	return nil
}

func (e *fakeEffects) Dial(ctx context.Context, c models.Contact) error {
	e.mu.Lock()
	e.dials = append(e.dials, c.ID)
	e.mu.Unlock()
	if e.dialed != nil {
		e.dialed <- c.ID
	}
	return nil
}

func (e *fakeEffects) SOS(ctx context.Context, contacts []models.Contact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sos = append(e.sos, contacts)
	return nil
}

type fakeIncidents struct {
	mu    sync.Mutex
	saved []models.Incident
}

func (s *fakeIncidents) Save(ctx context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *inc)
	return nil
}

func (s *fakeIncidents) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fixture struct {
	guardian   *Guardian
	capturer   *fakeCapturer
	classifier *fakeClassifier
	effects    *fakeEffects
	incidents  *fakeIncidents
}

func newFixture(t *testing.T, collect bool) *fixture {
	t.Helper()
	f := &fixture{
		capturer:   &fakeCapturer{},
		classifier: &fakeClassifier{answers: map[byte]*models.RiskAnalysis{}},
		effects:    &fakeEffects{dialed: make(chan string, 4)},
		incidents:  &fakeIncidents{},
	}
	trust := &fakeTrust{contacts: []models.Contact{{ID: "son", Name: "大文", Relation: "兒子", Phone: "91234567"}}}
	f.guardian = NewGuardian(Deps{
		Capturer:   f.capturer,
		Classifier: f.classifier,
		Trust:      trust,
		Challenger: fakeChallenger{},
		Signaler:   f.effects,
		Dialer:     f.effects,
		SOS:        f.effects,
		Incidents:  f.incidents,
	}, Options{ClassifyTimeout: time.Second, DataCollection: collect}, 8*time.Second, zap.NewNop())
	return f
}

func threat(level models.RiskLevel, tt models.ThreatType, score int) *models.RiskAnalysis {
	return &models.RiskAnalysis{RiskLevel: level, ThreatType: tt, Score: score, Advice: "掛斷"}
}

func TestGuardianRaisesAlertAndRecordsIncident(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.answers[2] = threat(models.RiskHigh, models.ThreatScamContent, 90)

	session, err := f.guardian.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.capturer.send(1)
	f.capturer.send(2)
	f.guardian.Wait()

	snap := f.guardian.Machine().Snapshot()
	if snap.Phase != alert.Alerting || snap.Threat == nil || snap.Threat.Seq != 2 {
		t.Fatalf("expected alert for seq 2, got %+v", snap.State)
	}
	if f.incidents.count() != 1 {
		t.Fatalf("expected one incident, got %d", f.incidents.count())
	}
	inc := f.incidents.saved[0]
	if inc.SessionID != session || inc.Seq != 2 || inc.ThreatType != models.ThreatScamContent {
		t.Fatalf("unexpected incident %+v", inc)
	}

	st := f.guardian.Status()
	if !st.Monitoring || st.Segments != 2 || st.Classified != 2 || st.Alerts != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestGuardianFailsOpen(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.err = errors.New("quota exceeded")

	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.capturer.send(1)
	f.guardian.Wait()

	if snap := f.guardian.Machine().Snapshot(); snap.Phase != alert.Monitoring {
		t.Fatalf("failure must not raise an alert, phase %v", snap.Phase)
	}
	if st := f.guardian.Status(); st.Failures != 1 || st.Classified != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestGuardianTreatsInvalidVerdictAsSafe(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.answers[1] = threat("EXTREME", models.ThreatDeepfake, 99)

	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.capturer.send(1)
	f.guardian.Wait()

	if snap := f.guardian.Machine().Snapshot(); snap.Phase != alert.Monitoring {
		t.Fatalf("invalid verdict raised an alert")
	}
}

func TestGuardianRespectsDataCollection(t *testing.T) {
	f := newFixture(t, false)
	f.classifier.answers[1] = threat(models.RiskMedium, models.ThreatDeepfake, 70)

	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.capturer.send(1)
	f.guardian.Wait()

	if f.guardian.Machine().Snapshot().Phase != alert.Alerting {
		t.Fatal("expected alert")
	}
	if f.incidents.count() != 0 {
		t.Fatal("incident stored with data collection off")
	}
}

func TestGuardianStartTwice(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.guardian.Start(context.Background()); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
}

func TestGuardianStartFailureEndsSession(t *testing.T) {
	f := newFixture(t, true)
	f.capturer.err = capture.ErrDeviceUnavailable

	if _, err := f.guardian.Start(context.Background()); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if f.guardian.Machine().Snapshot().Active {
		t.Fatal("session left active after failed start")
	}
	if f.guardian.Status().Monitoring {
		t.Fatal("guardian reports monitoring after failed start")
	}
}

func TestGuardianDropsResultsAfterStop(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.answers[1] = threat(models.RiskHigh, models.ThreatBoth, 95)

	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.guardian.Stop()
	f.guardian.Stop()
	f.capturer.send(1)
	f.guardian.Wait()

	if f.capturer.stops != 1 {
		t.Fatalf("capturer stopped %d times", f.capturer.stops)
	}
	if f.guardian.Machine().Snapshot().Phase != alert.Monitoring {
		t.Fatal("result applied after stop")
	}
}

func TestGuardianNewSessionIgnoresOldSegments(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.answers[1] = threat(models.RiskHigh, models.ThreatBoth, 95)

	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	oldEmit := f.capturer.emit
	f.guardian.Stop()
	if _, err := f.guardian.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	oldEmit(models.AudioSegment{Seq: 1, Data: []byte{1}})
	f.guardian.Wait()
	if f.guardian.Machine().Snapshot().Phase != alert.Monitoring {
		t.Fatal("segment from previous session raised an alert")
	}
}

func TestAnalyzeOnce(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.answers[7] = threat(models.RiskHigh, models.ThreatDeepfake, 88)

	a, degraded := f.guardian.AnalyzeOnce(context.Background(), []byte{7}, "audio/wav")
	if degraded || a.ThreatType != models.ThreatDeepfake {
		t.Fatalf("unexpected analysis %+v degraded=%v", a, degraded)
	}
	if f.guardian.Machine().Snapshot().Phase != alert.Monitoring {
		t.Fatal("one-off analysis touched the alert state")
	}

	a, degraded = f.guardian.AnalyzeOnce(context.Background(), nil, "audio/wav")
	if !degraded || a.ThreatType != models.ThreatSafe {
		t.Fatalf("expected degraded safe analysis, got %+v", a)
	}
}

func TestQuickDialAndSOS(t *testing.T) {
	f := newFixture(t, true)

	if _, err := f.guardian.QuickDial(context.Background(), "nobody"); !errors.Is(err, models.ErrContactNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	c, err := f.guardian.QuickDial(context.Background(), "son")
	if err != nil || c.ID != "son" {
		t.Fatalf("quick dial: %v", err)
	}
	select {
	case id := <-f.effects.dialed:
		if id != "son" {
			t.Fatalf("dialed %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dial never happened")
	}

	contacts, err := f.guardian.SOS(context.Background())
	if err != nil || len(contacts) != 1 {
		t.Fatalf("sos: %v %v", contacts, err)
	}
	f.effects.mu.Lock()
	defer f.effects.mu.Unlock()
	if len(f.effects.sos) != 1 || len(f.effects.sos[0]) != 1 {
		t.Fatalf("unexpected sos calls %v", f.effects.sos)
	}
}

func TestStatusText(t *testing.T) {
	f := newFixture(t, true)
	if got := f.guardian.StatusText(); got == "" {
		t.Fatal("empty status text")
	}
	f.classifier.answers[1] = threat(models.RiskHigh, models.ThreatScamContent, 90)
	f.guardian.Start(context.Background())
	f.capturer.send(1)
	f.guardian.Wait()
	if got := f.guardian.StatusText(); !containsAll(got, models.ThreatScamContent.Headline(), "掛斷") {
		t.Fatalf("status text missing alert: %q", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
