package sessions

import (
	"time"

	"gorm.io/datatypes"
)

// Session is one conversation container. OwnerID is immutable after
// creation; UpdatedAt advances on every mutation, message appends included.
type Session struct {
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	OwnerID   string         `gorm:"size:64;not null;index" json:"userId"`
	Title     string         `gorm:"size:255;not null" json:"title"`
	Metadata  datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `gorm:"index" json:"updatedAt"`
}

// Message is one conversational turn inside a session. Messages are
// append-only; ordering within a session follows CreatedAt.
type Message struct {
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	SessionID string         `gorm:"size:64;not null;index" json:"sessionId"`
	Role      string         `gorm:"size:16;not null" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Metadata  datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"createdAt"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of the accepted message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
