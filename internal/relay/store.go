package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/anonrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDialogNotFound is returned when a dialog ID does not reference an
// existing dialog.
var ErrDialogNotFound = errors.New("relay: dialog not found")

// DialogStore is the durable mapping of end-user identity to dialog, plus
// the append-only per-dialog message log.
type DialogStore struct {
	db  *gorm.DB
	now func() time.Time
}

// DialogStoreOpts holds parameters for creating a DialogStore.
type DialogStoreOpts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// NewDialogStore creates a DialogStore.
func NewDialogStore(opts DialogStoreOpts) (*DialogStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: dialog store: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DialogStore{db: opts.DB, now: now}, nil
}

// ResolveOrCreateDialog returns the dialog ID for userID, creating the dialog
// on first contact. An existing dialog gets its last activity bumped, and its
// display tag set only if it has none yet. The unique index on user_id makes
// concurrent calls for the same user converge on one row.
func (s *DialogStore) ResolveOrCreateDialog(ctx context.Context, userID string, tag *string) (uint, error) {
	now := s.now()
	dialog := models.Dialog{
		UserID:       userID,
		DisplayTag:   tag,
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
	}

	updates := map[string]interface{}{"last_activity": now}
	if tag != nil {
		updates["display_tag"] = gorm.Expr("COALESCE(display_tag, ?)", *tag)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&dialog).Error
	if err != nil {
		return 0, fmt.Errorf("relay: resolve dialog for user %s: %w", userID, err)
	}

	// The upsert may not report the ID of an updated row; read it back.
	var id uint
	result := s.db.WithContext(ctx).Model(&models.Dialog{}).
		Where("user_id = ?", userID).
		Select("dialog_id").Scan(&id)
	if result.Error != nil {
		return 0, fmt.Errorf("relay: read dialog id for user %s: %w", userID, result.Error)
	}
	if id == 0 {
		return 0, fmt.Errorf("relay: dialog for user %s vanished after upsert", userID)
	}
	return id, nil
}

// AppendMessage appends one turn to a dialog's log. Returns
// ErrDialogNotFound if the dialog does not exist.
func (s *DialogStore) AppendMessage(ctx context.Context, dialogID uint, fromAdmin bool, text, mediaID, mediaType string) (uint, error) {
	var dialog models.Dialog
	if err := s.db.WithContext(ctx).Select("dialog_id").First(&dialog, dialogID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("relay: append to dialog %d: %w", dialogID, ErrDialogNotFound)
		}
		return 0, fmt.Errorf("relay: append to dialog %d: %w", dialogID, err)
	}

	msg := models.DialogMessage{
		DialogID:  dialogID,
		FromAdmin: fromAdmin,
		Text:      text,
		MediaID:   mediaID,
		MediaType: mediaType,
		SentAt:    s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return 0, fmt.Errorf("relay: append to dialog %d: %w", dialogID, err)
	}
	return msg.ID, nil
}

// GetDialog returns a single dialog by ID.
func (s *DialogStore) GetDialog(ctx context.Context, dialogID uint) (*models.Dialog, error) {
	var dialog models.Dialog
	if err := s.db.WithContext(ctx).First(&dialog, dialogID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("relay: get dialog %d: %w", dialogID, ErrDialogNotFound)
		}
		return nil, fmt.Errorf("relay: get dialog %d: %w", dialogID, err)
	}
	return &dialog, nil
}

// ListActiveDialogs returns active dialogs, most recently active first.
func (s *DialogStore) ListActiveDialogs(ctx context.Context) ([]models.Dialog, error) {
	var dialogs []models.Dialog
	result := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_activity DESC").Order("dialog_id DESC").
		Find(&dialogs)
	if result.Error != nil {
		return nil, fmt.Errorf("relay: list active dialogs: %w", result.Error)
	}
	return dialogs, nil
}

// ListMessages returns up to limit messages of a dialog, oldest first.
// A non-positive limit returns the whole log.
func (s *DialogStore) ListMessages(ctx context.Context, dialogID uint, limit int) ([]models.DialogMessage, error) {
	var msgs []models.DialogMessage
	q := s.db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("sent_at ASC").Order("message_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("relay: list messages for dialog %d: %w", dialogID, err)
	}
	return msgs, nil
}

// CountUserMessagesSince returns how many end-user messages were logged at
// or after since.
func (s *DialogStore) CountUserMessagesSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.DialogMessage{}).
		Where("from_admin = ? AND sent_at >= ?", false, since).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("relay: count messages: %w", result.Error)
	}
	return count, nil
}
