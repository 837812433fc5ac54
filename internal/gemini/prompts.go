package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"trustlink/internal/models"
)

// AnalysisInstruction is the system instruction for segment classification.
const AnalysisInstruction = `You are "TrustLink AI", a protective sentry for an elderly person. You listen to 5-8 second segments of a phone call.

Analyze every segment for TWO threats:
1. SCAM CONTENT: "Transfer money", "Safe account", "Kidnapped", "Win lottery", "Invest", "Bail".
2. DEEPFAKE VOICE: Robotic tone, unnatural pauses, metallic artifacts, lack of emotion, or audio glitches common in AI synthesis.

Return JSON only:
- riskLevel: "LOW" (Safe/Silence), "MEDIUM" (Suspicious tone/content), "HIGH" (Clear Scam or Deepfake artifact).
- score: integer 0-100.
- isDeepfakeSuspected: boolean (true if the voice sounds synthetic).
- threatType: One of "SAFE", "UNKNOWN", "SCAM_CONTENT", "DEEPFAKE", "BOTH".
- advice: A VERY SIMPLE, SHORT command in Traditional Chinese, max 10 characters.
  Examples: "聲音似AI！" (Sounds like AI!), "馬上掛斷！" (Hang up!), "問佢密碼！" (Ask Password!).`

// AnalysisPrompt accompanies the audio blob.
const AnalysisPrompt = "Listen to this phone call segment and classify it."

// ChallengeInstruction is the system instruction for voice-password generation.
const ChallengeInstruction = `You create "Voice Password" challenges: short questions an elderly person asks a caller to check the caller really is who they claim to be.
The question must be simple, natural, and in Traditional Chinese.

Return JSON only:
{
  "question": "The question to ask.",
  "answerContext": "The expected answer."
}`

// BuildChallengePrompt asks for a challenge for a caller claiming to be
// relation. A known secret fact must be the basis of the question.
func BuildChallengePrompt(relation string, secretFact *string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a \"Voice Password\" challenge for an elderly person to test a caller claiming to be their %s.\n\n", relation)
	if secretFact != nil && strings.TrimSpace(*secretFact) != "" {
		fmt.Fprintf(&b, "SECRET FACT KNOWN: %q.\n", *secretFact)
		b.WriteString("INSTRUCTION: You MUST create a question based on this secret fact to verify the caller knows it.")
	} else {
		b.WriteString("INSTRUCTION: No secret fact is known. Generate a generic, safe personal question suitable for an elderly person to ask (e.g., about pets, recent meals).")
	}
	return b.String()
}

// ErrEmptyResponse is returned when the model answered with no text.
var ErrEmptyResponse = errors.New("empty model response")

// CleanJSON strips markdown code fences some models wrap JSON in.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// analysisWire tolerates fractional scores.
type analysisWire struct {
	RiskLevel           models.RiskLevel  `json:"riskLevel"`
	Score               float64           `json:"score"`
	ThreatType          models.ThreatType `json:"threatType"`
	Advice              string            `json:"advice"`
	IsDeepfakeSuspected *bool             `json:"isDeepfakeSuspected"`
}

// ParseAnalysis decodes and validates a classification answer.
func ParseAnalysis(text string) (*models.RiskAnalysis, error) {
	clean := CleanJSON(text)
	if clean == "" {
		return nil, ErrEmptyResponse
	}

	var w analysisWire
	if err := json.Unmarshal([]byte(clean), &w); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}

	a := models.RiskAnalysis{
		RiskLevel:           models.RiskLevel(strings.ToUpper(string(w.RiskLevel))),
		Score:               int(math.Round(w.Score)),
		ThreatType:          models.ThreatType(strings.ToUpper(string(w.ThreatType))),
		Advice:              strings.TrimSpace(w.Advice),
		IsDeepfakeSuspected: w.IsDeepfakeSuspected,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// ParseChallenge decodes a challenge answer. A blank question is an error.
func ParseChallenge(text string) (*models.VerificationChallenge, error) {
	clean := CleanJSON(text)
	if clean == "" {
		return nil, ErrEmptyResponse
	}

	var c models.VerificationChallenge
	if err := json.Unmarshal([]byte(clean), &c); err != nil {
		return nil, fmt.Errorf("failed to parse challenge: %w", err)
	}
	c.Question = strings.TrimSpace(c.Question)
	if c.Question == "" {
		return nil, fmt.Errorf("challenge has no question")
	}
	return &c, nil
}
