package models

import (
	"fmt"
	"time"
)

// RiskLevel is the coarse severity reported by the classifier
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ThreatType is what kind of threat the classifier believes it heard
type ThreatType string

const (
	ThreatSafe        ThreatType = "SAFE"
	ThreatUnknown     ThreatType = "UNKNOWN"
	ThreatScamContent ThreatType = "SCAM_CONTENT"
	ThreatDeepfake    ThreatType = "DEEPFAKE"
	ThreatBoth        ThreatType = "BOTH"
)

// Valid reports whether l is one of the known risk levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Valid reports whether t is one of the known threat types.
func (t ThreatType) Valid() bool {
	switch t {
	case ThreatSafe, ThreatUnknown, ThreatScamContent, ThreatDeepfake, ThreatBoth:
		return true
	}
	return false
}

// Actionable is true for threat types that are allowed to interrupt the user.
// SAFE and UNKNOWN never escalate, whatever the risk level says.
func (t ThreatType) Actionable() bool {
	switch t {
	case ThreatScamContent, ThreatDeepfake, ThreatBoth:
		return true
	}
	return false
}

// Headline is the title shown on the alert screen
func (t ThreatType) Headline() string {
	switch t {
	case ThreatDeepfake:
		return "發現 AI 偽造聲音"
	case ThreatScamContent:
		return "偵測到詐騙話術"
	case ThreatBoth:
		return "極度危險：AI 詐騙"
	default:
		return "可疑通話"
	}
}

// RiskAnalysis is the classifier verdict for one audio segment.
// It is produced once per segment and never mutated.
type RiskAnalysis struct {
	RiskLevel           RiskLevel  `json:"riskLevel"`
	Score               int        `json:"score"`
	ThreatType          ThreatType `json:"threatType"`
	Advice              string     `json:"advice"`
	IsDeepfakeSuspected *bool      `json:"isDeepfakeSuspected,omitempty"`
}

// Qualifies reports whether the analysis is allowed to raise an alert.
func (a RiskAnalysis) Qualifies() bool {
	if !a.ThreatType.Actionable() {
		return false
	}
	return a.RiskLevel == RiskMedium || a.RiskLevel == RiskHigh
}

// Validate checks enum values and the score range.
func (a RiskAnalysis) Validate() error {
	if !a.RiskLevel.Valid() {
		return fmt.Errorf("invalid risk level: %q", a.RiskLevel)
	}
	if !a.ThreatType.Valid() {
		return fmt.Errorf("invalid threat type: %q", a.ThreatType)
	}
	if a.Score < 0 || a.Score > 100 {
		return fmt.Errorf("score out of range: %d", a.Score)
	}
	return nil
}

// SafeAnalysis is what a failed classification degrades to.
func SafeAnalysis() RiskAnalysis {
	return RiskAnalysis{
		RiskLevel:  RiskLow,
		Score:      0,
		ThreatType: ThreatSafe,
		Advice:     "監聽中...",
	}
}

// AudioSegment is one fixed-length capture unit
type AudioSegment struct {
	Seq       uint64        `json:"seq"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	MIMEType  string        `json:"mime_type"`
	Data      []byte        `json:"-"`
}
