package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustlink/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const incidentColumns = `id, session_id, seq, risk_level, score, threat_type, advice, deepfake_suspected, detected_at`

// IncidentRepository keeps the history of raised alerts
type IncidentRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewIncidentRepository creates a new repository
func NewIncidentRepository(db *sqlx.DB, logger *zap.Logger) *IncidentRepository {
	return &IncidentRepository{db: db, logger: logger}
}

// Save stores one incident, filling in ID and DetectedAt if unset.
func (r *IncidentRepository) Save(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = time.Now()
	}
	inc.DetectedAt = inc.DetectedAt.UTC()

	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES (:id, :session_id, :seq, :risk_level, :score, :threat_type, :advice, :deepfake_suspected, :detected_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, inc); err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}

	r.logger.Debug("Incident saved",
		zap.String("incident_id", inc.ID),
		zap.Int64("seq", inc.Seq),
		zap.String("threat_type", string(inc.ThreatType)))
	return nil
}

// List returns incidents newest first. limit <= 0 returns all of them.
func (r *IncidentRepository) List(ctx context.Context, limit, offset int) ([]models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents ORDER BY detected_at DESC, seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	incidents := []models.Incident{}
	if err := r.db.SelectContext(ctx, &incidents, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	return incidents, nil
}

// Stats returns counts by threat type and risk level.
func (r *IncidentRepository) Stats(ctx context.Context) (*models.IncidentStats, error) {
	stats := &models.IncidentStats{
		ByThreatType: make(map[models.ThreatType]int),
		ByRiskLevel:  make(map[models.RiskLevel]int),
	}

	if err := r.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM incidents`); err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}

	var byThreat []struct {
		ThreatType models.ThreatType `db:"threat_type"`
		Count      int               `db:"count"`
	}
	query := `SELECT threat_type, COUNT(*) AS count FROM incidents GROUP BY threat_type`
	if err := r.db.SelectContext(ctx, &byThreat, query); err != nil {
		return nil, fmt.Errorf("failed to group incidents by threat type: %w", err)
	}
	for _, row := range byThreat {
		stats.ByThreatType[row.ThreatType] = row.Count
	}

	var byRisk []struct {
		RiskLevel models.RiskLevel `db:"risk_level"`
		Count     int              `db:"count"`
	}
	query = `SELECT risk_level, COUNT(*) AS count FROM incidents GROUP BY risk_level`
	if err := r.db.SelectContext(ctx, &byRisk, query); err != nil {
		return nil, fmt.Errorf("failed to group incidents by risk level: %w", err)
	}
	for _, row := range byRisk {
		stats.ByRiskLevel[row.RiskLevel] = row.Count
	}

	var last time.Time
	err := r.db.GetContext(ctx, &last, `SELECT detected_at FROM incidents ORDER BY detected_at DESC LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get last incident: %w", err)
	default:
		stats.LastDetected = &last
	}

	return stats, nil
}

// Clear deletes the whole history and reports how many rows went.
func (r *IncidentRepository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM incidents`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear incidents: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Info("Incident history cleared", zap.Int64("deleted", n))
	return n, nil
}
