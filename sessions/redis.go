package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
)

// Key layout. Hashes hold the entities, sorted sets provide ordering:
// user_sessions scored by updated-at, session_messages by created-at.
const (
	sessionKeyPrefix      = "session:"
	messageKeyPrefix      = "message:"
	userSessionsPrefix    = "user_sessions:"
	sessionMessagesPrefix = "session_messages:"
)

// RedisStore keeps sessions and messages in redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string         { return sessionKeyPrefix + id }
func messageKey(id string) string         { return messageKeyPrefix + id }
func userSessionsKey(owner string) string { return userSessionsPrefix + owner }
func sessionMessagesKey(id string) string { return sessionMessagesPrefix + id }

func (s *RedisStore) CreateSession(ctx context.Context, ownerID, title string, metadata map[string]any) (*Session, error) {
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

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(session.ID), sessionFields(&session))
	pipe.ZAdd(ctx, userSessionsKey(ownerID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: session.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sessions: create session: %w", err)
	}
	return &session, nil
}

func sessionFields(session *Session) map[string]any {
	fields := map[string]any{
		"owner_id":   session.OwnerID,
		"title":      session.Title,
		"created_at": strconv.FormatInt(session.CreatedAt.UnixMilli(), 10),
		"updated_at": strconv.FormatInt(session.UpdatedAt.UnixMilli(), 10),
	}
	if len(session.Metadata) > 0 {
		fields["metadata"] = string(session.Metadata)
	}
	return fields
}

func sessionFromHash(id string, data map[string]string) (*Session, error) {
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}
	createdMs, err := strconv.ParseInt(data["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessions: session %s has malformed created_at: %w", id, err)
	}
	updatedMs, err := strconv.ParseInt(data["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessions: session %s has malformed updated_at: %w", id, err)
	}
	session := &Session{
		ID:        id,
		OwnerID:   data["owner_id"],
		Title:     data["title"],
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if raw := data["metadata"]; raw != "" {
		if json.Valid([]byte(raw)) {
			session.Metadata = datatypes.JSON(raw)
		} else {
			log.Printf("sessions: session %s has malformed metadata, dropping", id)
		}
	}
	return session, nil
}

func (s *RedisStore) loadOwnedSession(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: load session: %w", err)
	}
	session, err := sessionFromHash(sessionID, data)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *RedisStore) GetSession(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	return s.loadOwnedSession(ctx, ownerID, sessionID)
}

func (s *RedisStore) ListSessions(ctx context.Context, ownerID string) ([]Session, error) {
	ids, err := s.client.ZRevRange(ctx, userSessionsKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: list session ids: %w", err)
	}
	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("sessions: load session %s: %w", id, err)
		}
		session, err := sessionFromHash(id, data)
		if err != nil {
			log.Printf("sessions: skipping session %s: %v", id, err)
			continue
		}
		if session.OwnerID != ownerID {
			continue
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, ownerID, sessionID string, update SessionUpdate) (*Session, error) {
	session, err := s.loadOwnedSession(ctx, ownerID, sessionID)
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

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), sessionFields(session))
	pipe.ZAdd(ctx, userSessionsKey(ownerID), redis.Z{
		Score:  float64(session.UpdatedAt.UnixMilli()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sessions: update session: %w", err)
	}
	return session, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.loadOwnedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	messageIDs, err := s.client.ZRange(ctx, sessionMessagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("sessions: list session messages: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range messageIDs {
		pipe.Del(ctx, messageKey(id))
	}
	pipe.Del(ctx, sessionMessagesKey(sessionID))
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.ZRem(ctx, userSessionsKey(ownerID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessions: delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, ownerID, sessionID, role, content string, metadata map[string]any) (*Message, error) {
	if err := validateAppend(ownerID, sessionID, role, content); err != nil {
		return nil, err
	}
	if _, err := s.loadOwnedSession(ctx, ownerID, sessionID); err != nil {
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

	fields := map[string]any{
		"session_id": sessionID,
		"role":       role,
		"content":    content,
		"created_at": strconv.FormatInt(now.UnixNano(), 10),
	}
	if len(meta) > 0 {
		fields["metadata"] = string(meta)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(message.ID), fields)
	pipe.ZAdd(ctx, sessionMessagesKey(sessionID), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: message.ID,
	})
	pipe.HSet(ctx, sessionKey(sessionID), "updated_at", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, userSessionsKey(ownerID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sessions: append message: %w", err)
	}
	return &message, nil
}

func messageFromHash(id string, data map[string]string) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrMessageNotFound
	}
	createdNs, err := strconv.ParseInt(data["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessions: message %s has malformed created_at: %w", id, err)
	}
	message := &Message{
		ID:        id,
		SessionID: data["session_id"],
		Role:      data["role"],
		Content:   data["content"],
		CreatedAt: time.Unix(0, createdNs).UTC(),
	}
	if raw := data["metadata"]; raw != "" {
		if json.Valid([]byte(raw)) {
			message.Metadata = datatypes.JSON(raw)
		} else {
			log.Printf("sessions: message %s has malformed metadata, dropping", id)
		}
	}
	return message, nil
}

func (s *RedisStore) ListMessages(ctx context.Context, ownerID, sessionID string) ([]Message, error) {
	if _, err := s.loadOwnedSession(ctx, ownerID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return []Message{}, nil
		}
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, sessionMessagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: list message ids: %w", err)
	}
	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, messageKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("sessions: load message %s: %w", id, err)
		}
		message, err := messageFromHash(id, data)
		if err != nil {
			log.Printf("sessions: skipping message %s: %v", id, err)
			continue
		}
		messages = append(messages, *message)
	}
	return messages, nil
}

func (s *RedisStore) DeleteMessage(ctx context.Context, ownerID, messageID string) error {
	data, err := s.client.HGetAll(ctx, messageKey(messageID)).Result()
	if err != nil {
		return fmt.Errorf("sessions: load message: %w", err)
	}
	message, err := messageFromHash(messageID, data)
	if err != nil {
		return err
	}

	// An orphaned message carries no owner to check against, so it is off
	// limits to everyone.
	sessionData, err := s.client.HGetAll(ctx, sessionKey(message.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("sessions: load parent session: %w", err)
	}
	if len(sessionData) == 0 || sessionData["owner_id"] != ownerID {
		return ErrUnauthorized
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(messageID))
	pipe.ZRem(ctx, sessionMessagesKey(message.SessionID), messageID)
	pipe.HSet(ctx, sessionKey(message.SessionID), "updated_at", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, userSessionsKey(ownerID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: message.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessions: delete message: %w", err)
	}
	return nil
}
