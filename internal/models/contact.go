package models

import (
	"errors"
	"time"
)

// ErrContactNotFound is returned for ids that are not in the directory.
var ErrContactNotFound = errors.New("contact not found")

// Contact is a trusted person in the family directory
type Contact struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Relation        string    `json:"relation" db:"relation"`
	Phone           string    `json:"phone" db:"phone"`
	HasVoiceProfile bool      `json:"has_voice_profile" db:"has_voice_profile"`
	SecretFact      *string   `json:"secret_fact,omitempty" db:"secret_fact"` // Shared fact used for voice passwords
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// ContactRequest is the body for creating or replacing a contact
type ContactRequest struct {
	Name            string  `json:"name" binding:"required"`
	Relation        string  `json:"relation" binding:"required"`
	Phone           string  `json:"phone" binding:"required"`
	HasVoiceProfile bool    `json:"has_voice_profile"`
	SecretFact      *string `json:"secret_fact,omitempty"`
}

// VerificationChallenge is a "voice password" question for the caller
type VerificationChallenge struct {
	Question      string `json:"question"`
	AnswerContext string `json:"answerContext"`
}

// FallbackChallenge is used whenever challenge generation fails.
func FallbackChallenge() VerificationChallenge {
	return VerificationChallenge{
		Question:      "我們家的寵物叫什麼名字？",
		AnswerContext: "寵物名字",
	}
}

// Incident is a persisted record of an alert being raised
type Incident struct {
	ID                string     `json:"id" db:"id"`
	SessionID         string     `json:"session_id" db:"session_id"`
	Seq               int64      `json:"seq" db:"seq"`
	RiskLevel         RiskLevel  `json:"risk_level" db:"risk_level"`
	Score             int        `json:"score" db:"score"`
	ThreatType        ThreatType `json:"threat_type" db:"threat_type"`
	Advice            string     `json:"advice" db:"advice"`
	DeepfakeSuspected bool       `json:"deepfake_suspected" db:"deepfake_suspected"`
	DetectedAt        time.Time  `json:"detected_at" db:"detected_at"`
}

// IncidentStats summarises the incident history
type IncidentStats struct {
	Total        int                `json:"total"`
	ByThreatType map[ThreatType]int `json:"by_threat_type"`
	ByRiskLevel  map[RiskLevel]int  `json:"by_risk_level"`
	LastDetected *time.Time         `json:"last_detected,omitempty"`
}
