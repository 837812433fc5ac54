package gemini

import (
	"errors"
	"strings"
	"testing"

	"trustlink/internal/models"

	"go.uber.org/zap"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    models.RiskAnalysis
		wantErr bool
	}{
		{
			name:  "plain json",
			input: `{"riskLevel":"HIGH","score":92,"threatType":"SCAM_CONTENT","advice":"馬上掛斷！","isDeepfakeSuspected":false}`,
			want:  models.RiskAnalysis{RiskLevel: models.RiskHigh, Score: 92, ThreatType: models.ThreatScamContent, Advice: "馬上掛斷！"},
		},
		{
			name:  "fenced with fractional score",
			input: "```json\n{\"riskLevel\":\"medium\",\"score\":64.6,\"threatType\":\"deepfake\",\"advice\":\"聲音似AI！\"}\n```",
			want:  models.RiskAnalysis{RiskLevel: models.RiskMedium, Score: 65, ThreatType: models.ThreatDeepfake, Advice: "聲音似AI！"},
		},
		{
			name:    "unknown threat type",
			input:   `{"riskLevel":"HIGH","score":90,"threatType":"ROBOCALL","advice":"x"}`,
			wantErr: true,
		},
		{
			name:    "score out of range",
			input:   `{"riskLevel":"HIGH","score":140,"threatType":"BOTH","advice":"x"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   "I cannot help with that.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalysis(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.RiskLevel != tt.want.RiskLevel || got.Score != tt.want.Score ||
				got.ThreatType != tt.want.ThreatType || got.Advice != tt.want.Advice {
				t.Fatalf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseAnalysisKeepsDeepfakeFlag(t *testing.T) {
	got, err := ParseAnalysis(`{"riskLevel":"HIGH","score":80,"threatType":"DEEPFAKE","advice":"x","isDeepfakeSuspected":true}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.IsDeepfakeSuspected == nil || !*got.IsDeepfakeSuspected {
		t.Fatalf("deepfake flag lost: %+v", got)
	}

	got, err = ParseAnalysis(`{"riskLevel":"LOW","score":3,"threatType":"SAFE","advice":"監聽中..."}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.IsDeepfakeSuspected != nil {
		t.Fatalf("absent flag should stay nil")
	}
}

func TestParseChallenge(t *testing.T) {
	got, err := ParseChallenge("```\n{\"question\":\"你細個最鍾意去邊度食嘢？\",\"answerContext\":\"麥當勞\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.AnswerContext != "麥當勞" {
		t.Fatalf("unexpected challenge %+v", got)
	}

	if _, err := ParseChallenge(`{"question":"  ","answerContext":"x"}`); err == nil {
		t.Fatal("blank question accepted")
	}
	if _, err := ParseChallenge("   "); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestBuildChallengePrompt(t *testing.T) {
	fact := "麥當勞"
	p := BuildChallengePrompt("兒子", &fact)
	if !strings.Contains(p, "兒子") || !strings.Contains(p, "麥當勞") || !strings.Contains(p, "MUST") {
		t.Fatalf("prompt does not demand the secret fact: %s", p)
	}

	p = BuildChallengePrompt("陌生人", nil)
	if !strings.Contains(p, "No secret fact") {
		t.Fatalf("prompt without fact should ask for a generic question: %s", p)
	}

	blank := "  "
	if p := BuildChallengePrompt("孫女", &blank); !strings.Contains(p, "No secret fact") {
		t.Fatalf("blank fact should count as unknown: %s", p)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without API key")
	}
}
