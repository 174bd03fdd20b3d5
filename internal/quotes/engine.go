package quotes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opEngineNew          = "quotes.engine.new"
	opCreate             = "quotes.create"
	opSetFinalPrice      = "quotes.set_final_price"
	opDecide             = "quotes.decide"
	opExpire             = "quotes.expire"
	opGet                = "quotes.get"
	opListConversation   = "quotes.list_for_conversation"
	maxRefAttempts       = 5
	maxProviderMessage   = 4000
	defaultListLimit     = 100
	fieldQuoteID         = "quote_id"
	fieldConversationID  = "conversation_id"
	fieldActorID         = "actor_id"
	reasonQueryFailed    = "query_failed"
	reasonUpdateFailed   = "update_failed"
	reasonStaleVersion   = "stale_version"
	reasonConcurrentEdit = "concurrent_update"
	queryGuardedUpdate   = "id = ? AND version = ? AND status IN ?"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingIDProvider   = errors.New("id provider is required")
	errMissingRegistry     = errors.New("conversation registry is required")
	errMissingMessages     = errors.New("message store is required")
	errRefTaken            = errors.New("quote reference already in use")
	errRefExhausted        = errors.New("could not allocate a unique quote reference")
	errNonPositivePrice    = errors.New("final price must be positive")
	errProviderMessageLong = fmt.Errorf("provider message exceeds %d characters", maxProviderMessage)
	errUnknownDecision     = errors.New("decision must be accepted or declined")
	errWrongRole           = errors.New("actor may not perform this transition")
	errIllegalTransition   = errors.New("quote status does not allow this transition")
	errStaleVersion        = errors.New("quote changed since it was read")
)

// EngineConfig wires an Engine. Publisher, Notifier and Metrics may be nil.
type EngineConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   ids.Provider
	RefGenerator RefGenerator
	Logger       *zap.Logger
	Registry     *conversations.Registry
	Messages     *messages.Store
	Publisher    realtime.Publisher
	Notifier     notify.Emitter
	Metrics      *metrics.Collector
}

// Engine applies role-gated, version-checked transitions to quotes.
type Engine struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   ids.Provider
	refGenerator RefGenerator
	logger       *zap.Logger
	registry     *conversations.Registry
	messages     *messages.Store
	publisher    realtime.Publisher
	notifier     notify.Emitter
	metrics      *metrics.Collector
}

// CreateInput is a buyer's request for a quote.
type CreateInput struct {
	BuyerID    string
	ProviderID string
	Package    PackageDescriptor
	Note       string
}

// CreateResult carries everything the create call produced.
type CreateResult struct {
	Quote          Quote            `json:"quote"`
	ConversationID string           `json:"conversation_id"`
	Message        messages.Message `json:"message"`
}

// FinalPriceInput is the provider's price. ExpectedVersion zero means the version read by this call.
type FinalPriceInput struct {
	QuoteID         string
	ActorID         string
	Price           int64
	Message         string
	ExpectedVersion int64
}

// DecisionInput is the buyer's answer. ExpectedVersion zero means the version read by this call.
type DecisionInput struct {
	QuoteID         string
	ActorID         string
	Decision        Decision
	ExpectedVersion int64
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Internal(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Registry == nil {
		return nil, apperrors.Internal(opEngineNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Messages == nil {
		return nil, apperrors.Internal(opEngineNew, "missing_messages", errMissingMessages)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	refGenerator := cfg.RefGenerator
	if refGenerator == nil {
		refGenerator = NewRandomRefGenerator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		refGenerator: refGenerator,
		logger:       logger,
		registry:     cfg.Registry,
		messages:     cfg.Messages,
		publisher:    cfg.Publisher,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
	}, nil
}

// Create opens (or reuses) the conversation, then stores the requested quote together with
// its initial message. Either both rows commit or neither does.
func (e *Engine) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	descriptor, err := input.Package.Validate()
	if err != nil {
		return CreateResult{}, apperrors.Validation(opCreate, "invalid_package", err)
	}
	conversation, err := e.registry.GetOrCreate(ctx, input.BuyerID, input.ProviderID)
	if err != nil {
		return CreateResult{}, err
	}

	text := strings.TrimSpace(input.Note)
	if text == "" {
		text = "Requested a quote for " + descriptor.Name
	}

	var result CreateResult
	for attempt := 0; attempt < maxRefAttempts; attempt++ {
		result, err = e.createOnce(ctx, conversation, descriptor, text)
		if !errors.Is(err, errRefTaken) {
			break
		}
		e.logger.Debug("quote reference collision", zap.Int("attempt", attempt+1))
	}
	if errors.Is(err, errRefTaken) {
		e.logError(opCreate, "ref_exhausted", errRefExhausted)
		return CreateResult{}, apperrors.Internal(opCreate, "ref_exhausted", errRefExhausted)
	}
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal || apperrors.IsKind(err, apperrors.KindDependencyUnavailable) {
			e.logError(opCreate, "transaction_failed", err, zap.String(fieldConversationID, conversation.ID))
		}
		return CreateResult{}, apperrors.FromStore(opCreate, "transaction_failed", err)
	}

	e.metrics.QuoteTransition(string(StatusRequested))
	e.messages.PublishCreated(result.Message)
	e.publishQuote(result.Quote)
	e.notify(ctx, result.Quote, result.Quote.ProviderID, notify.KindQuoteRequested)
	return result, nil
}

func (e *Engine) createOnce(ctx context.Context, conversation conversations.Conversation, descriptor PackageDescriptor, text string) (CreateResult, error) {
	quoteID, err := e.idProvider.NewID()
	if err != nil {
		return CreateResult{}, apperrors.Internal(opCreate, "id_generation_failed", err)
	}
	ref, err := e.refGenerator.NewRef()
	if err != nil {
		return CreateResult{}, apperrors.Internal(opCreate, "ref_generation_failed", err)
	}
	now := e.clock().UTC()
	quote := Quote{
		ID:             quoteID,
		Ref:            ref,
		BuyerID:        conversation.BuyerID,
		ProviderID:     conversation.ProviderID,
		ConversationID: conversation.ID,
		Package:        datatypes.NewJSONType(descriptor),
		Status:         StatusRequested,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var message messages.Message
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&quote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errRefTaken
			}
			return apperrors.FromStore(opCreate, "insert_failed", err)
		}
		appended, err := e.messages.AppendTx(tx, messages.AppendInput{
			ConversationID: conversation.ID,
			SenderID:       conversation.BuyerID,
			Text:           text,
		})
		if err != nil {
			return err
		}
		message = appended
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Quote: quote, ConversationID: conversation.ID, Message: message}, nil
}

// SetProviderFinalPrice moves a requested or negotiating quote to negotiating with the
// provider's price. Revisions overwrite the previous price and message.
func (e *Engine) SetProviderFinalPrice(ctx context.Context, input FinalPriceInput) (Quote, error) {
	if input.Price <= 0 {
		return Quote{}, apperrors.Validation(opSetFinalPrice, "non_positive_price", errNonPositivePrice)
	}
	if len([]rune(input.Message)) > maxProviderMessage {
		return Quote{}, apperrors.Validation(opSetFinalPrice, "message_too_long", errProviderMessageLong)
	}
	price := input.Price
	var providerMessage *string
	if trimmed := strings.TrimSpace(input.Message); trimmed != "" {
		providerMessage = &trimmed
	}
	return e.apply(ctx, opSetFinalPrice, input.QuoteID, input.ActorID, input.ExpectedVersion, setFinalPriceEdge,
		map[string]interface{}{
			"provider_final_price": price,
			"provider_message":     providerMessage,
		},
		func(quote *Quote) {
			quote.ProviderFinalPrice = &price
			quote.ProviderMessage = providerMessage
		})
}

// Decide records the buyer's acceptance or rejection of a negotiating quote.
func (e *Engine) Decide(ctx context.Context, input DecisionInput) (Quote, error) {
	edge, ok := edgeForDecision(input.Decision)
	if !ok {
		return Quote{}, apperrors.Validation(opDecide, "unknown_decision", errUnknownDecision)
	}
	return e.apply(ctx, opDecide, input.QuoteID, input.ActorID, input.ExpectedVersion, edge, nil, nil)
}

// Expire closes an open quote. Only expiry policies call this.
func (e *Engine) Expire(ctx context.Context, quoteID string) (Quote, error) {
	return e.apply(ctx, opExpire, quoteID, "", 0, expireEdge, nil, nil)
}

// Get returns the quote to either participant.
func (e *Engine) Get(ctx context.Context, quoteRaw, actorRaw string) (Quote, error) {
	quote, err := e.load(ctx, opGet, quoteRaw)
	if err != nil {
		return Quote{}, err
	}
	if _, err := roleOf(opGet, quote, actorRaw); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// ListForConversation returns the conversation's quotes, newest first.
func (e *Engine) ListForConversation(ctx context.Context, conversationID, actorID string) ([]Quote, error) {
	conversation, _, err := e.registry.Participant(ctx, conversationID, strings.TrimSpace(actorID))
	if err != nil {
		return nil, err
	}
	var quotes []Quote
	if err := e.db.WithContext(ctx).
		Where("conversation_id = ?", conversation.ID).
		Order("created_at DESC, id DESC").
		Limit(defaultListLimit).
		Find(&quotes).Error; err != nil {
		e.logError(opListConversation, reasonQueryFailed, err, zap.String(fieldConversationID, conversation.ID))
		return nil, apperrors.FromStore(opListConversation, reasonQueryFailed, err)
	}
	return quotes, nil
}

// apply runs one transition: load, authorize, check the edge, then update guarded by version
// and status so that at most one of several concurrent transitions commits.
func (e *Engine) apply(
	ctx context.Context,
	operation, quoteRaw, actorRaw string,
	expectedVersion int64,
	edge transition,
	updates map[string]interface{},
	mutate func(*Quote),
) (Quote, error) {
	quote, err := e.load(ctx, operation, quoteRaw)
	if err != nil {
		return Quote{}, err
	}
	if edge.actor != "" {
		role, err := roleOf(operation, quote, actorRaw)
		if err != nil {
			return Quote{}, err
		}
		if role != edge.actor {
			return Quote{}, apperrors.Authorization(operation, "wrong_role", errWrongRole)
		}
	}
	if !edge.allows(quote.Status) {
		e.metrics.QuoteConflict()
		return Quote{}, apperrors.Conflict(operation, "illegal_transition",
			fmt.Errorf("%w: %s to %s", errIllegalTransition, quote.Status, edge.to))
	}
	version := quote.Version
	if expectedVersion != 0 && expectedVersion != version {
		e.metrics.QuoteConflict()
		return Quote{}, apperrors.Conflict(operation, reasonStaleVersion, errStaleVersion)
	}

	now := e.clock().UTC()
	columns := map[string]interface{}{
		"status":     edge.to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	for column, value := range updates {
		columns[column] = value
	}
	result := e.db.WithContext(ctx).
		Model(&Quote{}).
		Where(queryGuardedUpdate, quote.ID, version, edge.sources()).
		Updates(columns)
	if result.Error != nil {
		e.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldQuoteID, quote.ID))
		return Quote{}, apperrors.FromStore(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		e.metrics.QuoteConflict()
		return Quote{}, apperrors.Conflict(operation, reasonConcurrentEdit, errStaleVersion)
	}

	quote.Status = edge.to
	quote.Version = version + 1
	quote.UpdatedAt = now
	if mutate != nil {
		mutate(&quote)
	}

	e.metrics.QuoteTransition(string(edge.to))
	e.publishQuote(quote)
	recipient := quote.BuyerID
	if edge.actor != "" {
		recipient = counterParty(quote, actorRaw)
	}
	e.notify(ctx, quote, recipient, notify.KindQuoteUpdated)
	return quote, nil
}

func (e *Engine) load(ctx context.Context, operation, quoteRaw string) (Quote, error) {
	quoteID, err := ids.NewEntityID(quoteRaw)
	if err != nil {
		return Quote{}, apperrors.Validation(operation, "invalid_quote_id", err)
	}
	var quote Quote
	err = e.db.WithContext(ctx).Where("id = ?", quoteID.String()).Take(&quote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quote{}, apperrors.NotFound(operation, "quote_not_found", err)
	}
	if err != nil {
		e.logError(operation, reasonQueryFailed, err, zap.String(fieldQuoteID, quoteID.String()))
		return Quote{}, apperrors.FromStore(operation, reasonQueryFailed, err)
	}
	return quote, nil
}

func (e *Engine) publishQuote(quote Quote) {
	if e.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(realtime.EventQuoteUpdated, quote.ConversationID, quote.ID, quote, quote.UpdatedAt)
	if err != nil {
		e.logError("quotes.publish", "event_encoding_failed", err, zap.String(fieldQuoteID, quote.ID))
		return
	}
	e.publisher.Publish(event)
}

func (e *Engine) notify(ctx context.Context, quote Quote, recipient string, kind notify.Kind) {
	if e.notifier == nil || recipient == "" {
		return
	}
	e.notifier.Emit(ctx, notify.Intent{
		RecipientID:    recipient,
		Kind:           kind,
		ConversationID: quote.ConversationID,
		EntityID:       quote.ID,
		Attributes: map[string]string{
			"ref":    quote.Ref,
			"status": string(quote.Status),
		},
		CreatedAt: quote.UpdatedAt,
	})
}

func roleOf(operation string, quote Quote, actorRaw string) (conversations.Role, error) {
	actorID, err := ids.NewParticipantID(actorRaw)
	if err != nil {
		return "", apperrors.Validation(operation, "invalid_actor_id", err)
	}
	switch actorID.String() {
	case quote.BuyerID:
		return conversations.RoleBuyer, nil
	case quote.ProviderID:
		return conversations.RoleProvider, nil
	default:
		return "", apperrors.Authorization(operation, "not_participant", errWrongRole)
	}
}

func counterParty(quote Quote, actorRaw string) string {
	switch strings.TrimSpace(actorRaw) {
	case quote.BuyerID:
		return quote.ProviderID
	case quote.ProviderID:
		return quote.BuyerID
	default:
		return ""
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("quote engine error", attrs...)
}
