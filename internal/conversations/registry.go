package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRegistryNew      = "conversations.registry.new"
	opGetOrCreate      = "conversations.get_or_create"
	opGet              = "conversations.get"
	opParticipant      = "conversations.participant"
	opListForActor     = "conversations.list_for_participant"
	opAdvanceCursor    = "conversations.advance_cursor"
	fieldConversation  = "conversation_id"
	fieldBuyerID       = "buyer_id"
	fieldProviderID    = "provider_id"
	fieldActorID       = "actor_id"
	queryPair          = "buyer_id = ? AND provider_id = ?"
	queryID            = "id = ?"
	queryParticipant   = "buyer_id = ? OR provider_id = ?"
	orderRecentFirst   = "COALESCE(last_message_at, created_at) DESC, id DESC"
	defaultListLimit   = 50
	maxListLimit       = 200
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errSelfConversation  = errors.New("buyer and provider must differ")
	errNotParticipant    = errors.New("actor is not a participant of the conversation")
	errWinnerMissing     = errors.New("conversation vanished after conflicting insert")
	noOpLogger           = zap.NewNop()
)

type RegistryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Registry establishes and looks up conversations between buyers and providers.
type Registry struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opRegistryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Internal(opRegistryNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// GetOrCreate returns the conversation for the ordered (buyer, provider) pair, creating it on
// first contact. Concurrent callers for the same pair all receive the same row: an insert that
// loses the race re-reads the winner.
func (r *Registry) GetOrCreate(ctx context.Context, buyerRaw, providerRaw string) (Conversation, error) {
	buyerID, err := ids.NewParticipantID(buyerRaw)
	if err != nil {
		return Conversation{}, apperrors.Validation(opGetOrCreate, "invalid_buyer_id", err)
	}
	providerID, err := ids.NewParticipantID(providerRaw)
	if err != nil {
		return Conversation{}, apperrors.Validation(opGetOrCreate, "invalid_provider_id", err)
	}
	if buyerID == providerID {
		return Conversation{}, apperrors.Validation(opGetOrCreate, "self_conversation", errSelfConversation)
	}

	db := r.db.WithContext(ctx)
	existing, found, err := findPair(db, buyerID, providerID)
	if err != nil {
		r.logError(opGetOrCreate, reasonQueryFailed, err,
			zap.String(fieldBuyerID, buyerID.String()),
			zap.String(fieldProviderID, providerID.String()))
		return Conversation{}, apperrors.FromStore(opGetOrCreate, reasonQueryFailed, err)
	}
	if found {
		return existing, nil
	}

	conversationID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opGetOrCreate, "id_generation_failed", err)
		return Conversation{}, apperrors.Internal(opGetOrCreate, "id_generation_failed", err)
	}
	candidate := Conversation{
		ID:         conversationID,
		BuyerID:    buyerID.String(),
		ProviderID: providerID.String(),
		CreatedAt:  r.clock().UTC(),
	}
	createResult := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if createResult.Error != nil && !errors.Is(createResult.Error, gorm.ErrDuplicatedKey) {
		r.logError(opGetOrCreate, reasonInsertFailed, createResult.Error,
			zap.String(fieldBuyerID, buyerID.String()),
			zap.String(fieldProviderID, providerID.String()))
		return Conversation{}, apperrors.FromStore(opGetOrCreate, reasonInsertFailed, createResult.Error)
	}
	if createResult.Error == nil && createResult.RowsAffected == 1 {
		return candidate, nil
	}

	winner, found, err := findPair(db, buyerID, providerID)
	if err != nil {
		r.logError(opGetOrCreate, "reread_failed", err,
			zap.String(fieldBuyerID, buyerID.String()),
			zap.String(fieldProviderID, providerID.String()))
		return Conversation{}, apperrors.FromStore(opGetOrCreate, "reread_failed", err)
	}
	if !found {
		r.logError(opGetOrCreate, "winner_missing", errWinnerMissing)
		return Conversation{}, apperrors.Internal(opGetOrCreate, "winner_missing", errWinnerMissing)
	}
	r.logger.Debug("conversation insert lost race",
		zap.String(fieldConversation, winner.ID),
		zap.String(fieldBuyerID, buyerID.String()),
		zap.String(fieldProviderID, providerID.String()))
	return winner, nil
}

// Get loads a conversation by id.
func (r *Registry) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return r.get(r.db.WithContext(ctx), opGet, conversationID)
}

// Participant loads the conversation and returns the actor's role in it. Actors outside the
// pair receive an authorization error.
func (r *Registry) Participant(ctx context.Context, conversationID, actorID string) (Conversation, Role, error) {
	return r.ParticipantTx(r.db.WithContext(ctx), conversationID, actorID)
}

// ParticipantTx is Participant bound to an open transaction.
func (r *Registry) ParticipantTx(tx *gorm.DB, conversationID, actorID string) (Conversation, Role, error) {
	conversation, err := r.get(tx, opParticipant, conversationID)
	if err != nil {
		return Conversation{}, "", err
	}
	role, ok := conversation.RoleOf(actorID)
	if !ok {
		return Conversation{}, "", apperrors.Authorization(opParticipant, "not_participant", errNotParticipant)
	}
	return conversation, role, nil
}

// ListForParticipant returns the actor's conversations, most recently active first.
func (r *Registry) ListForParticipant(ctx context.Context, actorRaw string, limit int) ([]Conversation, error) {
	actorID, err := ids.NewParticipantID(actorRaw)
	if err != nil {
		return nil, apperrors.Validation(opListForActor, "invalid_actor_id", err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var conversations []Conversation
	if err := r.db.WithContext(ctx).
		Where(queryParticipant, actorID.String(), actorID.String()).
		Order(orderRecentFirst).
		Limit(limit).
		Find(&conversations).Error; err != nil {
		r.logError(opListForActor, reasonQueryFailed, err, zap.String(fieldActorID, actorID.String()))
		return nil, apperrors.FromStore(opListForActor, reasonQueryFailed, err)
	}
	return conversations, nil
}

// LockTx loads the conversation inside a transaction, taking a row lock where the
// database supports one. Message appends serialize on this lock.
func LockTx(tx *gorm.DB, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryID, conversationID).
		Take(&conversation).Error
	if err != nil {
		return Conversation{}, apperrors.FromStore(opAdvanceCursor, "lock_failed", err)
	}
	return conversation, nil
}

// AdvanceCursorTx records a newly appended message on the conversation row.
func AdvanceCursorTx(tx *gorm.DB, conversationID string, seq int64, messageAt time.Time) error {
	result := tx.Model(&Conversation{}).
		Where(queryID, conversationID).
		Updates(map[string]interface{}{
			"last_seq":        seq,
			"last_message_at": messageAt,
		})
	if result.Error != nil {
		return apperrors.FromStore(opAdvanceCursor, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(opAdvanceCursor, "conversation_missing", gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *Registry) get(db *gorm.DB, operation, conversationRaw string) (Conversation, error) {
	conversationID, err := ids.NewEntityID(conversationRaw)
	if err != nil {
		return Conversation{}, apperrors.Validation(operation, "invalid_conversation_id", err)
	}
	var conversation Conversation
	err = db.Where(queryID, conversationID.String()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, apperrors.NotFound(operation, "conversation_not_found", err)
	}
	if err != nil {
		r.logError(operation, reasonQueryFailed, err, zap.String(fieldConversation, conversationID.String()))
		return Conversation{}, apperrors.FromStore(operation, reasonQueryFailed, err)
	}
	return conversation, nil
}

func findPair(db *gorm.DB, buyerID, providerID ids.ParticipantID) (Conversation, bool, error) {
	var conversation Conversation
	err := db.Where(queryPair, buyerID.String(), providerID.String()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conversation, true, nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("conversation registry error", attrs...)
}
