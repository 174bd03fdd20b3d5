package messages

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/notify"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew         = "messages.store.new"
	opAppend           = "messages.append"
	opListSince        = "messages.list_since"
	opCompensate       = "messages.compensate"
	defaultPageSize    = 100
	maxPageSize        = 500
	timestampPrecision = time.Microsecond
	fieldMessageID     = "message_id"
	fieldConversation  = "conversation_id"
	fieldSenderID      = "sender_id"
	fieldKey           = "key"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingRegistry    = errors.New("conversation registry is required")
	errMissingObjectStore = errors.New("object store is required")
	errNegativeCursor     = errors.New("cursor must not be negative")
	errNotParticipant     = errors.New("sender is not a participant of the conversation")
)

// StoreConfig wires a Store. Publisher and Notifier may be nil.
type StoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
	Registry    *conversations.Registry
	ObjectStore blobstore.ObjectStore
	Publisher   realtime.Publisher
	Notifier    notify.Emitter
	Metrics     *metrics.Collector
	PageSize    int
}

// Store appends and replays conversation messages.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	registry   *conversations.Registry
	objects    blobstore.ObjectStore
	publisher  realtime.Publisher
	notifier   notify.Emitter
	metrics    *metrics.Collector
	pageSize   int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Internal(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Registry == nil {
		return nil, apperrors.Internal(opStoreNew, "missing_registry", errMissingRegistry)
	}
	if cfg.ObjectStore == nil {
		return nil, apperrors.Internal(opStoreNew, "missing_object_store", errMissingObjectStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		registry:   cfg.Registry,
		objects:    cfg.ObjectStore,
		publisher:  cfg.Publisher,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		pageSize:   pageSize,
	}, nil
}

// Append commits a message and its attachment rows, then announces it to realtime
// subscribers and notifies the counter-party. When the write fails, blobs named by the
// message's attachment refs are deleted.
func (s *Store) Append(ctx context.Context, input AppendInput) (Message, error) {
	conversationID, err := ids.NewEntityID(input.ConversationID)
	if err != nil {
		return Message{}, apperrors.Validation(opAppend, "invalid_conversation_id", err)
	}
	senderID, err := ids.NewParticipantID(input.SenderID)
	if err != nil {
		return Message{}, apperrors.Validation(opAppend, "invalid_sender_id", err)
	}
	input.ConversationID = conversationID.String()
	input.SenderID = senderID.String()

	conversation, _, err := s.registry.Participant(ctx, input.ConversationID, input.SenderID)
	if err != nil {
		return Message{}, err
	}

	owned := ownedKeys(input.ConversationID, input.Attachments)
	if err := s.checkBlobs(ctx, input); err != nil {
		s.compensate(ctx, owned)
		return Message{}, err
	}

	var message Message
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, appendErr := s.AppendTx(tx, input)
		if appendErr != nil {
			return appendErr
		}
		message = appended
		return nil
	})
	if err != nil {
		s.compensate(ctx, owned)
		if !apperrors.IsKind(err, apperrors.KindValidation) && !apperrors.IsKind(err, apperrors.KindAuthorization) {
			s.logError(opAppend, "transaction_failed", err,
				zap.String(fieldConversation, input.ConversationID),
				zap.String(fieldSenderID, input.SenderID))
		}
		return Message{}, apperrors.FromStore(opAppend, "transaction_failed", err)
	}

	s.metrics.MessageAppended()
	for range message.Attachments {
		s.metrics.AttachmentLinked()
	}
	s.PublishCreated(message)
	if s.notifier != nil {
		s.notifier.Emit(ctx, notify.Intent{
			RecipientID:    conversation.CounterParty(input.SenderID),
			Kind:           notify.KindMessageReceived,
			ConversationID: message.ConversationID,
			EntityID:       message.ID,
			CreatedAt:      message.CreatedAt,
		})
	}
	return message, nil
}

// AppendTx writes the message inside tx without publishing or notifying. The conversation
// row is locked so seq and createdAt are assigned in commit order. Blob existence is not
// checked here; Append does that before opening the transaction.
func (s *Store) AppendTx(tx *gorm.DB, input AppendInput) (Message, error) {
	if strings.TrimSpace(input.Text) == "" && len(input.Attachments) == 0 {
		return Message{}, apperrors.Validation(opAppend, "empty_message", errEmptyMessage)
	}
	if len([]rune(input.Text)) > maxTextLength {
		return Message{}, apperrors.Validation(opAppend, "text_too_long", errMessageTooLong)
	}
	for _, ref := range input.Attachments {
		if err := validateRef(input.ConversationID, ref); err != nil {
			if errors.Is(err, errKeyOutsidePrefix) {
				return Message{}, apperrors.Authorization(opAppend, "foreign_attachment_key", err)
			}
			return Message{}, apperrors.Validation(opAppend, "invalid_attachment", err)
		}
	}

	conversation, err := conversations.LockTx(tx, input.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if _, ok := conversation.RoleOf(input.SenderID); !ok {
		return Message{}, apperrors.Authorization(opAppend, "not_participant", errNotParticipant)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, apperrors.Internal(opAppend, "id_generation_failed", err)
	}
	createdAt := s.nextTimestamp(conversation.LastMessageAt)
	message := Message{
		ID:             messageID,
		ConversationID: conversation.ID,
		Seq:            conversation.LastSeq + 1,
		SenderID:       input.SenderID,
		Text:           input.Text,
		CreatedAt:      createdAt,
		Attachments:    []Attachment{},
	}
	if err := tx.Create(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Message{}, apperrors.Conflict(opAppend, "sequence_taken", err)
		}
		return Message{}, apperrors.FromStore(opAppend, reasonInsertFailed, err)
	}

	for _, ref := range input.Attachments {
		attachmentID, err := s.idProvider.NewID()
		if err != nil {
			return Message{}, apperrors.Internal(opAppend, "id_generation_failed", err)
		}
		attachment := Attachment{
			ID:            attachmentID,
			MessageID:     message.ID,
			FilePath:      ref.Key,
			FileName:      strings.TrimSpace(ref.FileName),
			MimeType:      NormalizeMimeType(ref.MimeType),
			FileSizeBytes: ref.SizeBytes,
			UploaderID:    input.SenderID,
			CreatedAt:     createdAt,
		}
		if err := tx.Create(&attachment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return Message{}, apperrors.Conflict(opAppend, "attachment_already_linked", err)
			}
			return Message{}, apperrors.FromStore(opAppend, "attachment_insert_failed", err)
		}
		message.Attachments = append(message.Attachments, attachment)
	}

	if err := conversations.AdvanceCursorTx(tx, conversation.ID, message.Seq, createdAt); err != nil {
		return Message{}, err
	}
	return message, nil
}

// PublishCreated announces a committed message to realtime subscribers.
func (s *Store) PublishCreated(message Message) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(realtime.EventMessageCreated, message.ConversationID, message.ID, message, message.CreatedAt)
	if err != nil {
		s.logError(opAppend, "event_encoding_failed", err, zap.String(fieldMessageID, message.ID))
		return
	}
	s.publisher.Publish(event)
}

// ListSince replays messages with seq greater than cursor in ascending order. A cursor of
// zero starts at the beginning. The sequence reads one page at a time and may be ranged
// over repeatedly; each pass starts again from cursor.
func (s *Store) ListSince(ctx context.Context, conversationRaw string, cursor int64) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		conversationID, err := ids.NewEntityID(conversationRaw)
		if err != nil {
			yield(Message{}, apperrors.Validation(opListSince, "invalid_conversation_id", err))
			return
		}
		if cursor < 0 {
			yield(Message{}, apperrors.Validation(opListSince, "negative_cursor", errNegativeCursor))
			return
		}
		position := cursor
		for {
			page, err := s.loadPage(ctx, conversationID.String(), position)
			if err != nil {
				s.logError(opListSince, reasonQueryFailed, err, zap.String(fieldConversation, conversationID.String()))
				yield(Message{}, apperrors.FromStore(opListSince, reasonQueryFailed, err))
				return
			}
			for _, message := range page {
				if !yield(message, nil) {
					return
				}
				position = message.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *Store) loadPage(ctx context.Context, conversationID string, after int64) ([]Message, error) {
	db := s.db.WithContext(ctx)
	var page []Message
	if err := db.Where("conversation_id = ? AND seq > ?", conversationID, after).
		Order("seq ASC").
		Limit(s.pageSize).
		Find(&page).Error; err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return page, nil
	}
	messageIDs := make([]string, 0, len(page))
	for index := range page {
		page[index].Attachments = []Attachment{}
		messageIDs = append(messageIDs, page[index].ID)
	}
	var attachments []Attachment
	if err := db.Where("message_id IN ?", messageIDs).
		Order("created_at ASC, id ASC").
		Find(&attachments).Error; err != nil {
		return nil, err
	}
	positions := make(map[string]int, len(page))
	for index := range page {
		positions[page[index].ID] = index
	}
	for _, attachment := range attachments {
		if index, ok := positions[attachment.MessageID]; ok {
			page[index].Attachments = append(page[index].Attachments, attachment)
		}
	}
	return page, nil
}

func (s *Store) checkBlobs(ctx context.Context, input AppendInput) error {
	for _, ref := range input.Attachments {
		if !keyBelongsTo(ref.Key, input.ConversationID) {
			continue
		}
		info, err := s.objects.Stat(ctx, ref.Key)
		if errors.Is(err, blobstore.ErrObjectNotFound) {
			return apperrors.NotFound(opAppend, "attachment_blob_missing", errAttachmentMissing)
		}
		if err != nil {
			s.logError(opAppend, "blob_stat_failed", err, zap.String(fieldKey, ref.Key))
			return apperrors.Storage(opAppend, "blob_stat_failed", err)
		}
		if info.SizeBytes > MaxAttachmentBytes {
			return apperrors.Validation(opAppend, "attachment_too_large", checkUpload(ref.MimeType, info.SizeBytes))
		}
	}
	return nil
}

// compensate deletes blobs that belong to the conversation and are not yet linked to any
// message. Keys outside the conversation and keys owned by earlier messages are never touched.
func (s *Store) compensate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var linked []string
	err := s.db.WithContext(ctx).
		Model(&Attachment{}).
		Where("file_path IN ?", keys).
		Pluck("file_path", &linked).Error
	if err != nil {
		s.logError(opCompensate, "linked_lookup_failed", err, zap.Strings(fieldKey, keys))
		return
	}
	skip := make(map[string]struct{}, len(linked))
	for _, key := range linked {
		skip[key] = struct{}{}
	}
	for _, key := range keys {
		if _, owned := skip[key]; owned {
			continue
		}
		skip[key] = struct{}{}
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logError(opCompensate, "blob_delete_failed", err, zap.String(fieldKey, key))
			continue
		}
		s.metrics.Compensation(opAppend)
	}
}

func (s *Store) nextTimestamp(previous *time.Time) time.Time {
	now := s.clock().UTC().Truncate(timestampPrecision)
	if previous != nil && !now.After(*previous) {
		return previous.UTC().Add(timestampPrecision)
	}
	return now
}

func ownedKeys(conversationID string, refs []AttachmentRef) []string {
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		if keyBelongsTo(ref.Key, conversationID) {
			keys = append(keys, ref.Key)
		}
	}
	return keys
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}
