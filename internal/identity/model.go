// Package identity maps session claims issued by the external identity provider onto the
// canonical participant ids used by conversations and quotes.
package identity

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical participant id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing actor identities.
func (Identity) TableName() string {
	return "actor_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
