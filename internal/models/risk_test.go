package models

import "testing"

func TestQualifiesNeverForSafeOrUnknown(t *testing.T) {
	for _, tt := range []ThreatType{ThreatSafe, ThreatUnknown} {
		for _, lvl := range []RiskLevel{RiskLow, RiskMedium, RiskHigh} {
			a := RiskAnalysis{RiskLevel: lvl, ThreatType: tt, Score: 99}
			if a.Qualifies() {
				t.Fatalf("%s/%s must not qualify", lvl, tt)
			}
		}
	}
}

func TestQualifiesRequiresMediumOrHigh(t *testing.T) {
	for _, tt := range []ThreatType{ThreatScamContent, ThreatDeepfake, ThreatBoth} {
		if (RiskAnalysis{RiskLevel: RiskLow, ThreatType: tt}).Qualifies() {
			t.Fatalf("LOW/%s must not qualify", tt)
		}
		if !(RiskAnalysis{RiskLevel: RiskMedium, ThreatType: tt}).Qualifies() {
			t.Fatalf("MEDIUM/%s should qualify", tt)
		}
		if !(RiskAnalysis{RiskLevel: RiskHigh, ThreatType: tt}).Qualifies() {
			t.Fatalf("HIGH/%s should qualify", tt)
		}
	}
}

func TestValidate(t *testing.T) {
	ok := RiskAnalysis{RiskLevel: RiskHigh, ThreatType: ThreatBoth, Score: 90}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := []RiskAnalysis{
		{RiskLevel: "SEVERE", ThreatType: ThreatSafe},
		{RiskLevel: RiskLow, ThreatType: "PHISHING"},
		{RiskLevel: RiskLow, ThreatType: ThreatSafe, Score: 101},
		{RiskLevel: RiskLow, ThreatType: ThreatSafe, Score: -1},
	}
	for i, a := range bad {
		if err := a.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestSafeAnalysisIsInert(t *testing.T) {
	a := SafeAnalysis()
	if a.Qualifies() || a.RiskLevel != RiskLow || a.ThreatType != ThreatSafe {
		t.Fatalf("unexpected fail-open value %+v", a)
	}
}

func TestHeadline(t *testing.T) {
	if ThreatDeepfake.Headline() != "發現 AI 偽造聲音" {
		t.Fatalf("unexpected deepfake headline %q", ThreatDeepfake.Headline())
	}
	if ThreatUnknown.Headline() != "可疑通話" {
		t.Fatalf("unexpected default headline %q", ThreatUnknown.Headline())
	}
}
