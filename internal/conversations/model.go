package conversations

import "time"

// Role distinguishes the two participants of a conversation.
type Role string

const (
	// RoleBuyer is the participant requesting services.
	RoleBuyer Role = "buyer"
	// RoleProvider is the participant offering services.
	RoleProvider Role = "provider"
)

// Conversation is the single message thread between one buyer and one provider.
// The (buyer_id, provider_id) pair is directional and unique.
type Conversation struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	BuyerID       string     `gorm:"column:buyer_id;size:190;not null;uniqueIndex:idx_conversations_pair,priority:1"`
	ProviderID    string     `gorm:"column:provider_id;size:190;not null;uniqueIndex:idx_conversations_pair,priority:2;index:idx_conversations_provider"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	LastMessageAt *time.Time `gorm:"column:last_message_at"`
	LastSeq       int64      `gorm:"column:last_seq;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// RoleOf reports the role the actor plays in the conversation.
func (c Conversation) RoleOf(actorID string) (Role, bool) {
	switch actorID {
	case "":
		return "", false
	case c.BuyerID:
		return RoleBuyer, true
	case c.ProviderID:
		return RoleProvider, true
	default:
		return "", false
	}
}

// CounterParty returns the other participant, or an empty string when the actor is not a participant.
func (c Conversation) CounterParty(actorID string) string {
	switch actorID {
	case c.BuyerID:
		return c.ProviderID
	case c.ProviderID:
		return c.BuyerID
	default:
		return ""
	}
}
