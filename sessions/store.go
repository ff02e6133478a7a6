package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrMessageNotFound = errors.New("sessions: message not found")
	ErrUnauthorized    = errors.New("sessions: not owned by caller")
)

// SessionUpdate carries the mutable session fields for UpdateSession.
// Nil fields are left untouched.
type SessionUpdate struct {
	Title    *string
	Metadata map[string]any
}

// Store persists sessions and their messages scoped to an owner. Both
// backends share these semantics: every mutation bumps the session's
// UpdatedAt, appends require an owned session, and deleting a session
// cascades to its messages.
type Store interface {
	CreateSession(ctx context.Context, ownerID, title string, metadata map[string]any) (*Session, error)
	GetSession(ctx context.Context, ownerID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]Session, error)
	UpdateSession(ctx context.Context, ownerID, sessionID string, update SessionUpdate) (*Session, error)
	DeleteSession(ctx context.Context, ownerID, sessionID string) error

	AppendMessage(ctx context.Context, ownerID, sessionID, role, content string, metadata map[string]any) (*Message, error)
	ListMessages(ctx context.Context, ownerID, sessionID string) ([]Message, error)
	DeleteMessage(ctx context.Context, ownerID, messageID string) error
}

// NewStoreFromEnv selects the session backend from SESSION_BACKEND
// ("gorm", default, or "redis"). Exactly one of db and client must be
// usable for the chosen backend.
func NewStoreFromEnv(db *gorm.DB, client *redis.Client) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_BACKEND")))
	switch backend {
	case "", "gorm", "sql":
		if db == nil {
			return nil, errors.New("sessions: SESSION_BACKEND=gorm requires a database connection")
		}
		return NewGormStore(db)
	case "redis":
		if client == nil {
			return nil, errors.New("sessions: SESSION_BACKEND=redis requires a redis client")
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("sessions: unsupported SESSION_BACKEND %q", backend)
	}
}

func validateAppend(ownerID, sessionID, role, content string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.New("sessions: owner id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sessions: session id is required")
	}
	if !ValidRole(role) {
		return fmt.Errorf("sessions: invalid role %q", role)
	}
	if content == "" {
		return errors.New("sessions: content is required")
	}
	return nil
}
