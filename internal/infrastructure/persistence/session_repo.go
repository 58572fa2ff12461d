package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository indexes sessions in sqlite. Transcript content lives
// in the NDJSON store; this index only serves listing and origin lookups.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates the repository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Ensure creates the session row if absent and returns it. Touches
// updated_at on every call so listing sorts by recency.
func (r *SessionRepository) Ensure(ctx context.Context, id string, origin entity.Origin) (*entity.Session, error) {
	now := time.Now().UTC()
	session := entity.Session{
		ID:        id,
		OriginRaw: origin.Raw(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": now}),
	}).Create(&session).Error
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID returns the session or nil when unknown.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*entity.Session, error) {
	var session entity.Session
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// List returns all sessions, most recently touched first.
func (r *SessionRepository) List(ctx context.Context) ([]entity.Session, error) {
	var sessions []entity.Session
	if err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// Touch bumps updated_at; called after each completed turn.
func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&entity.Session{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

// SetTitle stores a human-readable title, typically the first user text.
func (r *SessionRepository) SetTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&entity.Session{}).
		Where("id = ?", id).
		Update("title", title).Error
}
