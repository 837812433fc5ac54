package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trustlink/internal/crypto"
	"trustlink/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "trustlink.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x", zap.NewNop()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestContactLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewContactRepository(db, crypto.NewSealer("test passphrase", "salt"), zap.NewNop())
	ctx := context.Background()

	son, err := repo.Create(ctx, models.ContactRequest{
		Name: "大文", Relation: "兒子", Phone: "91234567", HasVoiceProfile: true, SecretFact: strPtr("麥當勞"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(ctx, models.ContactRequest{Name: "小敏", Relation: "孫女", Phone: "98765432", SecretFact: strPtr("  ")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// the fact is encrypted at rest
	var stored string
	if err := db.Get(&stored, `SELECT secret_fact FROM contacts WHERE id = ?`, son.ID); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if strings.Contains(stored, "麥當勞") {
		t.Fatalf("secret fact stored in clear: %q", stored)
	}

	got, err := repo.Lookup(ctx, son.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.SecretFact == nil || *got.SecretFact != "麥當勞" || got.Relation != "兒子" {
		t.Fatalf("unexpected contact %+v", got)
	}

	contacts, err := repo.ListContacts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
	for _, c := range contacts {
		if c.Relation == "孫女" && c.SecretFact != nil {
			t.Fatalf("blank fact should be stored as absent")
		}
	}

	updated, err := repo.SetVoiceProfile(ctx, son.ID, false)
	if err != nil {
		t.Fatalf("set voice profile: %v", err)
	}
	if updated.HasVoiceProfile {
		t.Fatal("voice profile flag not cleared")
	}

	if err := repo.Delete(ctx, son.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Lookup(ctx, son.ID); !errors.Is(err, models.ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, son.ID); !errors.Is(err, models.ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound on second delete, got %v", err)
	}
}

func TestContactUpdate(t *testing.T) {
	repo := NewContactRepository(openTestDB(t), nil, zap.NewNop())
	ctx := context.Background()

	c, err := repo.Create(ctx, models.ContactRequest{Name: "阿明", Relation: "兒子", Phone: "1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Update(ctx, c.ID, models.ContactRequest{Name: "阿明", Relation: "女婿", Phone: "2", SecretFact: strPtr("豆豆")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.Lookup(ctx, c.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Relation != "女婿" || got.Phone != "2" || got.SecretFact == nil || *got.SecretFact != "豆豆" {
		t.Fatalf("update not persisted: %+v", got)
	}
	if _, err := repo.Update(ctx, "missing", models.ContactRequest{Name: "x", Relation: "y", Phone: "z"}); !errors.Is(err, models.ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
}

func TestSeedOnlyFillsEmptyDirectory(t *testing.T) {
	repo := NewContactRepository(openTestDB(t), nil, zap.NewNop())
	ctx := context.Background()
	seed := []models.ContactRequest{
		{Name: "大文", Relation: "兒子", Phone: "91234567"},
		{Name: "小敏", Relation: "孫女", Phone: "98765432"},
	}

	n, err := repo.Seed(ctx, seed)
	if err != nil || n != 2 {
		t.Fatalf("seed: %d %v", n, err)
	}
	n, err = repo.Seed(ctx, seed)
	if err != nil || n != 0 {
		t.Fatalf("second seed should be a no-op: %d %v", n, err)
	}
}

func TestIncidentHistory(t *testing.T) {
	repo := NewIncidentRepository(openTestDB(t), zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, inc := range []models.Incident{
		{SessionID: "s1", Seq: 3, RiskLevel: models.RiskMedium, Score: 60, ThreatType: models.ThreatScamContent, Advice: "問佢密碼！"},
		{SessionID: "s1", Seq: 9, RiskLevel: models.RiskHigh, Score: 95, ThreatType: models.ThreatBoth, DeepfakeSuspected: true},
		{SessionID: "s2", Seq: 14, RiskLevel: models.RiskHigh, Score: 88, ThreatType: models.ThreatScamContent},
	} {
		inc := inc
		inc.DetectedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Save(ctx, &inc); err != nil {
			t.Fatalf("save: %v", err)
		}
		if inc.ID == "" {
			t.Fatal("save did not assign an id")
		}
	}

	all, err := repo.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 14 || !all[1].DeepfakeSuspected {
		t.Fatalf("unexpected order or content: %+v", all)
	}

	page, err := repo.List(ctx, 1, 1)
	if err != nil || len(page) != 1 || page[0].Seq != 9 {
		t.Fatalf("unexpected page: %+v %v", page, err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByThreatType[models.ThreatScamContent] != 2 || stats.ByRiskLevel[models.RiskHigh] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.LastDetected == nil || !stats.LastDetected.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected last detected %v", stats.LastDetected)
	}

	n, err := repo.Clear(ctx)
	if err != nil || n != 3 {
		t.Fatalf("clear: %d %v", n, err)
	}
	stats, err = repo.Stats(ctx)
	if err != nil || stats.Total != 0 || stats.LastDetected != nil {
		t.Fatalf("history not cleared: %+v %v", stats, err)
	}
}
