package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultSessionTitle = "New Chat"

// GormStore keeps sessions and messages in a relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the session tables and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("sessions: database connection is nil")
	}
	if err := db.AutoMigrate(&Session{}, &Message{}); err != nil {
		return nil, fmt.Errorf("sessions: migrate tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func metadataJSON(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("sessions: marshal metadata: %w", err)
	}
	return datatypes.JSON(payload), nil
}

func (s *GormStore) CreateSession(ctx context.Context, ownerID, title string, metadata map[string]any) (*Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("sessions: owner id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}
	meta, err := metadataJSON(metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("sessions: create session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) GetSession(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", sessionID, ownerID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: load session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) ListSessions(ctx context.Context, ownerID string) ([]Session, error) {
	var list []Session
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list sessions: %w", err)
	}
	return list, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, ownerID, sessionID string, update SessionUpdate) (*Session, error) {
	session, err := s.GetSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return nil, errors.New("sessions: title must not be empty")
		}
		session.Title = title
	}
	if update.Metadata != nil {
		meta, err := metadataJSON(update.Metadata)
		if err != nil {
			return nil, err
		}
		session.Metadata = meta
	}
	session.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return nil, fmt.Errorf("sessions: update session: %w", err)
	}
	return session, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.GetSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("sessions: delete session messages: %w", err)
		}
		if err := tx.Where("id = ? AND owner_id = ?", sessionID, ownerID).Delete(&Session{}).Error; err != nil {
			return fmt.Errorf("sessions: delete session: %w", err)
		}
		return nil
	})
}

func (s *GormStore) AppendMessage(ctx context.Context, ownerID, sessionID, role, content string, metadata map[string]any) (*Message, error) {
	if err := validateAppend(ownerID, sessionID, role, content); err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	meta, err := metadataJSON(metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	message := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return fmt.Errorf("sessions: create message: %w", err)
		}
		if err := tx.Model(&Session{}).Where("id = ?", sessionID).Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("sessions: bump session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *GormStore) ListMessages(ctx context.Context, ownerID, sessionID string) ([]Message, error) {
	if _, err := s.GetSession(ctx, ownerID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return []Message{}, nil
		}
		return nil, err
	}
	var list []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: list messages: %w", err)
	}
	return list, nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, ownerID, messageID string) error {
	var message Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("sessions: load message: %w", err)
	}

	// A message whose parent session is gone has no owner to check against,
	// so nobody gets to delete it.
	var session Session
	err = s.db.WithContext(ctx).Where("id = ?", message.SessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("sessions: load parent session: %w", err)
	}
	if session.OwnerID != ownerID {
		return ErrUnauthorized
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", messageID).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("sessions: delete message: %w", err)
		}
		if err := tx.Model(&Session{}).Where("id = ?", message.SessionID).Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("sessions: bump session: %w", err)
		}
		return nil
	})
}
