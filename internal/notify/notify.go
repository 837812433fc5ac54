package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trustlink/internal/models"

	"go.uber.org/zap"
)

// Signaler raises the alert signal for a fresh threat
type Signaler interface {
	Signal(ctx context.Context, analysis models.RiskAnalysis) error
}

// Dialer places a call to a contact
type Dialer interface {
	Dial(ctx context.Context, contact models.Contact) error
}

// Broadcaster sends an SOS to everyone who should know
type Broadcaster interface {
	SOS(ctx context.Context, contacts []models.Contact) error
}

// VibrationPattern is the on-device pattern for a fresh alert, in ms.
var VibrationPattern = []int{500, 200, 500}

// Device is the local end: it logs the vibration and the tel: URI the
// handset would open.
type Device struct {
	logger *zap.Logger
}

// NewDevice creates the local signaler/dialer.
func NewDevice(logger *zap.Logger) *Device {
	return &Device{logger: logger}
}

// Signal logs the vibration pattern and headline for a fresh alert.
func (d *Device) Signal(ctx context.Context, analysis models.RiskAnalysis) error {
	d.logger.Warn("Vibrating",
		zap.Ints("pattern_ms", VibrationPattern),
		zap.String("headline", analysis.ThreatType.Headline()),
		zap.String("advice", analysis.Advice))
	return nil
}

// Dial logs the tel: URI the handset opens. It fails for contacts without a phone.
func (d *Device) Dial(ctx context.Context, contact models.Contact) error {
	if contact.Phone == "" {
		return fmt.Errorf("contact %s has no phone number", contact.ID)
	}
	d.logger.Info("Dialing",
		zap.String("uri", TelURI(contact.Phone)),
		zap.String("name", contact.Name),
		zap.String("relation", contact.Relation))
	return nil
}

// SOS logs who the family alarm went to.
func (d *Device) SOS(ctx context.Context, contacts []models.Contact) error {
	names := make([]string, 0, len(contacts))
	for _, c := range contacts {
		names = append(names, c.Relation+" ("+c.Name+")")
	}
	d.logger.Warn("SOS raised", zap.Strings("notified", names))
	return nil
}

// TelURI builds a tel: link, dropping spaces and dashes.
func TelURI(phone string) string {
	return "tel:" + strings.NewReplacer(" ", "", "-", "").Replace(phone)
}

// Fanout delivers every notification to all targets. A nil target is
// skipped so optional channels can be passed in unconditionally.
type Fanout struct {
	signalers    []Signaler
	dialers      []Dialer
	broadcasters []Broadcaster
}

// NewFanout groups targets by the interfaces they implement.
func NewFanout(targets ...interface{}) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		if t == nil {
			continue
		}
		if s, ok := t.(Signaler); ok {
			f.signalers = append(f.signalers, s)
		}
		if d, ok := t.(Dialer); ok {
			f.dialers = append(f.dialers, d)
		}
		if b, ok := t.(Broadcaster); ok {
			f.broadcasters = append(f.broadcasters, b)
		}
	}
	return f
}

// Signal delivers the alert to every signaler and joins their errors.
func (f *Fanout) Signal(ctx context.Context, analysis models.RiskAnalysis) error {
	var errs []error
	for _, s := range f.signalers {
		if err := s.Signal(ctx, analysis); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dial hands the call to every dialer and joins their errors.
func (f *Fanout) Dial(ctx context.Context, contact models.Contact) error {
	var errs []error
	for _, d := range f.dialers {
		if err := d.Dial(ctx, contact); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SOS broadcasts to every channel and joins their errors.
func (f *Fanout) SOS(ctx context.Context, contacts []models.Contact) error {
	var errs []error
	for _, b := range f.broadcasters {
		if err := b.SOS(ctx, contacts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
