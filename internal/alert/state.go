package alert

import (
	"errors"
	"fmt"

	"trustlink/internal/models"
)

// ErrIllegalTransition is returned when an event does not apply to the
// current phase. The state is left unchanged.
var ErrIllegalTransition = errors.New("illegal alert transition")

// Phase of the alert lifecycle
type Phase int

const (
	Monitoring Phase = iota
	Alerting
	IdentitySelect
	ChallengeReady
	Dismissed // transient, always followed by Monitoring
)

func (p Phase) String() string {
	switch p {
	case Monitoring:
		return "MONITORING"
	case Alerting:
		return "ALERTING"
	case IdentitySelect:
		return "IDENTITY_SELECT"
	case ChallengeReady:
		return "CHALLENGE_READY"
	case Dismissed:
		return "DISMISSED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText lets phases serialise by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

const (
	// StrangerRelation is the relation used when the caller is not in the directory.
	StrangerRelation = "陌生人"
	// GenericRelation is used when the directory is empty.
	GenericRelation = "Unknown"
)

// Identity is who the caller claims to be
type Identity struct {
	ContactID  string  `json:"contact_id,omitempty"` // empty for the stranger identity
	Relation   string  `json:"relation"`
	SecretFact *string `json:"-"`
}

// Stranger reports whether this is the synthetic stranger identity.
func (i Identity) Stranger() bool {
	return i.ContactID == ""
}

// ContactIdentity builds the claimed identity for a directory entry.
func ContactIdentity(c models.Contact) Identity {
	return Identity{ContactID: c.ID, Relation: c.Relation, SecretFact: c.SecretFact}
}

// StrangerIdentity builds the synthetic identity with the given relation.
func StrangerIdentity(relation string) Identity {
	return Identity{Relation: relation}
}

// Result is one classification outcome tagged with its segment
type Result struct {
	Seq      uint64              `json:"seq"`
	Analysis models.RiskAnalysis `json:"analysis"`
}

// State is the full alert state. It is a value: Transition never mutates
// its input.
type State struct {
	Phase Phase `json:"phase"`

	// Threat is the classification currently on screen (ALERTING onwards).
	Threat *Result `json:"threat,omitempty"`
	// LastAlertSeq is the highest segment that drove or updated an alert.
	// It survives dismissal so late results for older segments stay dropped.
	LastAlertSeq uint64 `json:"last_alert_seq"`
	// Pending holds the newest qualifying result that arrived while the
	// user was busy verifying.
	Pending *Result `json:"pending,omitempty"`

	Identity  *Identity                     `json:"identity,omitempty"`
	Challenge *models.VerificationChallenge `json:"challenge,omitempty"`

	// Attempt identifies the outstanding challenge request; Generating is
	// true while one is in flight.
	Attempt    uint64 `json:"attempt"`
	Generating bool   `json:"generating"`
}

// Event is the tagged union of inputs to Transition.
type Event interface {
	isEvent()
}

// ResultArrived carries a classification for segment Seq.
type ResultArrived struct {
	Seq      uint64
	Analysis models.RiskAnalysis
}

// VerifyRequested is the user asking for a voice password.
type VerifyRequested struct {
	ContactCount int
}

// IdentityChosen is the user picking who the caller claims to be.
type IdentityChosen struct {
	Identity Identity
}

// ChallengeGenerated completes the request identified by Attempt.
type ChallengeGenerated struct {
	Attempt   uint64
	Challenge models.VerificationChallenge
}

// RetryRequested discards the current challenge.
type RetryRequested struct{}

// DismissRequested is "hang up" or "false alarm".
type DismissRequested struct{}

// ContactCalled is the user calling a trusted contact from the alert.
type ContactCalled struct {
	Contact models.Contact
}

func (ResultArrived) isEvent()      {}
func (VerifyRequested) isEvent()    {}
func (IdentityChosen) isEvent()     {}
func (ChallengeGenerated) isEvent() {}
func (RetryRequested) isEvent()     {}
func (DismissRequested) isEvent()   {}
func (ContactCalled) isEvent()      {}

// Effect is a side effect the caller must carry out after a transition.
type Effect interface {
	isEffect()
}

// Signal fires the haptic/alert signal for a fresh ALERTING entry.
type Signal struct {
	Threat Result
}

// GenerateChallenge asks the challenge service for a question.
type GenerateChallenge struct {
	Attempt  uint64
	Identity Identity
}

// Dial places a call to a contact.
type Dial struct {
	Contact models.Contact
}

// DismissedAlert reports that an alert was resolved.
type DismissedAlert struct {
	Threat *Result
}

func (Signal) isEffect()            {}
func (GenerateChallenge) isEffect() {}
func (Dial) isEffect()              {}
func (DismissedAlert) isEffect()    {}

// Transition applies e to s. It performs no I/O; the returned effects
// describe what the caller has to do.
func Transition(s State, e Event) (State, []Effect, error) {
	switch ev := e.(type) {
	case ResultArrived:
		next, effects := applyResult(s, Result{Seq: ev.Seq, Analysis: ev.Analysis})
		return next, effects, nil

	case VerifyRequested:
		if s.Phase != Alerting || s.Generating {
			return s, nil, illegal(s, "verify")
		}
		if ev.ContactCount > 0 {
			s.Phase = IdentitySelect
			return s, nil, nil
		}
		// No directory: go straight for a generic challenge.
		return startChallenge(s, StrangerIdentity(GenericRelation))

	case IdentityChosen:
		if s.Phase != IdentitySelect {
			return s, nil, illegal(s, "choose identity")
		}
		return startChallenge(s, ev.Identity)

	case ChallengeGenerated:
		if !s.Generating || ev.Attempt != s.Attempt {
			// superseded by a retry, a newer choice or a dismissal
			return s, nil, nil
		}
		challenge := ev.Challenge
		s.Phase = ChallengeReady
		s.Challenge = &challenge
		s.Generating = false
		return s, nil, nil

	case RetryRequested:
		if s.Phase != ChallengeReady {
			return s, nil, illegal(s, "retry")
		}
		s.Phase = IdentitySelect
		s.Identity = nil
		s.Challenge = nil
		return s, nil, nil

	case DismissRequested:
		switch s.Phase {
		case Alerting, IdentitySelect, ChallengeReady:
			return dismiss(s, nil)
		}
		return s, nil, illegal(s, "dismiss")

	case ContactCalled:
		if s.Phase != Alerting {
			return s, nil, illegal(s, "call contact")
		}
		return dismiss(s, []Effect{Dial{Contact: ev.Contact}})
	}

	return s, nil, fmt.Errorf("%w: unknown event %T", ErrIllegalTransition, e)
}

func applyResult(s State, r Result) (State, []Effect) {
	if r.Seq < s.LastAlertSeq {
		return s, nil // stale
	}
	if !r.Analysis.Qualifies() {
		return s, nil
	}

	switch s.Phase {
	case Monitoring, Dismissed:
		s.Phase = Alerting
		s.Threat = &r
		s.LastAlertSeq = r.Seq
		return s, []Effect{Signal{Threat: r}}

	case Alerting:
		if s.Threat != nil && r.Seq <= s.Threat.Seq {
			return s, nil
		}
		s.Threat = &r
		s.LastAlertSeq = r.Seq
		return s, nil

	case IdentitySelect, ChallengeReady:
		if s.Pending != nil && r.Seq <= s.Pending.Seq {
			return s, nil
		}
		s.Pending = &r
		s.LastAlertSeq = r.Seq
		return s, nil
	}
	return s, nil
}

func startChallenge(s State, id Identity) (State, []Effect, error) {
	s.Attempt++
	s.Generating = true
	s.Identity = &id
	s.Challenge = nil
	return s, []Effect{GenerateChallenge{Attempt: s.Attempt, Identity: id}}, nil
}

func dismiss(s State, effects []Effect) (State, []Effect, error) {
	effects = append(effects, DismissedAlert{Threat: s.Threat})
	pending := s.Pending

	s = State{
		Phase:        Monitoring,
		LastAlertSeq: s.LastAlertSeq,
		Attempt:      s.Attempt, // keeps in-flight generations stale
	}

	if pending != nil {
		// The threat kept going while the user was verifying.
		s.Phase = Alerting
		s.Threat = pending
		effects = append(effects, Signal{Threat: *pending})
	}
	return s, effects, nil
}

func illegal(s State, action string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrIllegalTransition, action, s.Phase)
}
