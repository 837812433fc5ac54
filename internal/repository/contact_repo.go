package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustlink/internal/crypto"
	"trustlink/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const contactColumns = `id, name, relation, phone, has_voice_profile, secret_fact, created_at, updated_at`

// ContactRepository is the family directory. It is the TrustStore the
// alert machine reads from.
type ContactRepository struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
	logger *zap.Logger
}

// NewContactRepository creates a new repository. Secret facts are sealed
// with sealer; nil stores them as plain text.
func NewContactRepository(db *sqlx.DB, sealer *crypto.Sealer, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{db: db, sealer: sealer, logger: logger}
}

// ListContacts returns every contact, oldest first.
func (r *ContactRepository) ListContacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	query := `SELECT ` + contactColumns + ` FROM contacts ORDER BY created_at, name`
	if err := r.db.SelectContext(ctx, &contacts, query); err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}

	for i := range contacts {
		if err := r.openFact(&contacts[i]); err != nil {
			// the contact is still usable for calls and generic challenges
			r.logger.Error("Failed to decrypt secret fact",
				zap.String("contact_id", contacts[i].ID),
				zap.Error(err))
			contacts[i].SecretFact = nil
		}
	}
	return contacts, nil
}

// Lookup returns one contact or models.ErrContactNotFound.
func (r *ContactRepository) Lookup(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	query := r.db.Rebind(`SELECT ` + contactColumns + ` FROM contacts WHERE id = ?`)
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	if err := r.openFact(&c); err != nil {
		r.logger.Error("Failed to decrypt secret fact", zap.String("contact_id", id), zap.Error(err))
		c.SecretFact = nil
	}
	return &c, nil
}

// Create adds a contact.
func (r *ContactRepository) Create(ctx context.Context, req models.ContactRequest) (*models.Contact, error) {
	now := time.Now().UTC()
	c := models.Contact{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Relation:        req.Relation,
		Phone:           req.Phone,
		HasVoiceProfile: req.HasVoiceProfile,
		SecretFact:      normalizeFact(req.SecretFact),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	row, err := r.sealed(c)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO contacts (` + contactColumns + `)
		VALUES (:id, :name, :relation, :phone, :has_voice_profile, :secret_fact, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return nil, fmt.Errorf("failed to save contact: %w", err)
	}

	r.logger.Info("Contact created",
		zap.String("contact_id", c.ID),
		zap.String("relation", c.Relation),
		zap.Bool("has_secret_fact", c.SecretFact != nil))
	return &c, nil
}

// Update replaces a contact's fields.
func (r *ContactRepository) Update(ctx context.Context, id string, req models.ContactRequest) (*models.Contact, error) {
	existing, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	c := *existing
	c.Name = req.Name
	c.Relation = req.Relation
	c.Phone = req.Phone
	c.HasVoiceProfile = req.HasVoiceProfile
	c.SecretFact = normalizeFact(req.SecretFact)
	c.UpdatedAt = time.Now().UTC()

	row, err := r.sealed(c)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE contacts
		SET name = :name, relation = :relation, phone = :phone,
		    has_voice_profile = :has_voice_profile, secret_fact = :secret_fact, updated_at = :updated_at
		WHERE id = :id
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	return &c, nil
}

// SetVoiceProfile records whether a voice sample was enrolled.
func (r *ContactRepository) SetVoiceProfile(ctx context.Context, id string, enrolled bool) (*models.Contact, error) {
	query := r.db.Rebind(`UPDATE contacts SET has_voice_profile = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, enrolled, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update voice profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrContactNotFound
	}
	return r.Lookup(ctx, id)
}

// Delete removes a contact.
func (r *ContactRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM contacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrContactNotFound
	}
	r.logger.Info("Contact deleted", zap.String("contact_id", id))
	return nil
}

// Seed fills an empty directory. It does nothing if contacts exist.
func (r *ContactRepository) Seed(ctx context.Context, seed []models.ContactRequest) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM contacts`); err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	for i, req := range seed {
		if _, err := r.Create(ctx, req); err != nil {
			return i, err
		}
	}
	return len(seed), nil
}

func (r *ContactRepository) sealed(c models.Contact) (models.Contact, error) {
	if c.SecretFact == nil {
		return c, nil
	}
	v, err := r.sealer.Seal(*c.SecretFact)
	if err != nil {
		return c, fmt.Errorf("failed to encrypt secret fact: %w", err)
	}
	c.SecretFact = &v
	return c, nil
}

func (r *ContactRepository) openFact(c *models.Contact) error {
	if c.SecretFact == nil {
		return nil
	}
	v, err := r.sealer.Open(*c.SecretFact)
	if err != nil {
		return err
	}
	c.SecretFact = &v
	return nil
}

// normalizeFact treats a blank fact as absent.
func normalizeFact(f *string) *string {
	if f == nil {
		return nil
	}
	v := strings.TrimSpace(*f)
	if v == "" {
		return nil
	}
	return &v
}
