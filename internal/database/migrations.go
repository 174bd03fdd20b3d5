package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillConversationCursors = "2026-09-20_backfill_conversation_cursors"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationBackfillConversationCursors, apply: backfillConversationCursors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillConversationCursors repairs conversations whose last_seq/last_message_at lag behind
// their stored messages, as left by imports that wrote messages directly.
func backfillConversationCursors(db *gorm.DB) error {
	return db.Exec(`UPDATE conversations SET
		last_seq = (SELECT MAX(m.seq) FROM messages m WHERE m.conversation_id = conversations.id),
		last_message_at = (SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = conversations.id)
		WHERE EXISTS (
			SELECT 1 FROM messages m
			WHERE m.conversation_id = conversations.id AND m.seq > conversations.last_seq
		)`).Error
}
