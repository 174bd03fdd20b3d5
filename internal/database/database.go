package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/identity"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/quotes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Options selects the driver and connection string.
type Options struct {
	Driver string
	DSN    string
	Logger *zap.Logger
}

// Open establishes the database connection and performs schema migrations.
func Open(options Options) (*gorm.DB, error) {
	dsn := strings.TrimSpace(options.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch options.Driver {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case config.DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if options.Driver != config.DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", dialector.Name()))
	return db, nil
}

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&conversations.Conversation{},
		&messages.Message{},
		&messages.Attachment{},
		&quotes.Quote{},
		&identity.Identity{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
