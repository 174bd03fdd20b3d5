package messages

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLinkerNew       = "attachments.linker.new"
	opReserveUpload   = "attachments.reserve_upload"
	opFinalize        = "attachments.finalize"
	opSignedReadURL   = "attachments.signed_read_url"
	defaultUploadTTL  = 15 * time.Minute
	defaultReadURLTTL = time.Hour
)

var (
	errForeignKey       = errors.New("attachment key does not belong to the message's conversation")
	errNotMessageSender = errors.New("only the message sender may attach files to it")
)

// LinkerConfig wires an AttachmentLinker.
type LinkerConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
	Registry    *conversations.Registry
	ObjectStore blobstore.ObjectStore
	Metrics     *metrics.Collector
	UploadTTL   time.Duration
	ReadURLTTL  time.Duration
}

// AttachmentLinker reserves upload slots, links uploaded blobs to messages and issues
// read URLs to participants.
type AttachmentLinker struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	registry   *conversations.Registry
	objects    blobstore.ObjectStore
	metrics    *metrics.Collector
	uploadTTL  time.Duration
	readURLTTL time.Duration
}

// ReserveInput describes a file the client intends to upload.
type ReserveInput struct {
	ConversationID string
	UploaderID     string
	FileName       string
	MimeType       string
	SizeBytes      int64
}

// Reservation is where and until when the client may upload.
type Reservation struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxBytes  int64     `json:"max_bytes"`
}

// FinalizeInput links an uploaded blob to an existing message.
type FinalizeInput struct {
	Key        string
	MessageID  string
	UploaderID string
	FileName   string
	MimeType   string
	SizeBytes  int64
}

func NewAttachmentLinker(cfg LinkerConfig) (*AttachmentLinker, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opLinkerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Internal(opLinkerNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Registry == nil {
		return nil, apperrors.Internal(opLinkerNew, "missing_registry", errMissingRegistry)
	}
	if cfg.ObjectStore == nil {
		return nil, apperrors.Internal(opLinkerNew, "missing_object_store", errMissingObjectStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	uploadTTL := cfg.UploadTTL
	if uploadTTL <= 0 {
		uploadTTL = defaultUploadTTL
	}
	readURLTTL := cfg.ReadURLTTL
	if readURLTTL <= 0 {
		readURLTTL = defaultReadURLTTL
	}
	return &AttachmentLinker{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		registry:   cfg.Registry,
		objects:    cfg.ObjectStore,
		metrics:    cfg.Metrics,
		uploadTTL:  uploadTTL,
		readURLTTL: readURLTTL,
	}, nil
}

// ReserveUpload validates the declared file and returns a fresh key with a signed upload URL.
func (l *AttachmentLinker) ReserveUpload(ctx context.Context, input ReserveInput) (Reservation, error) {
	if strings.TrimSpace(input.FileName) == "" {
		return Reservation{}, apperrors.Validation(opReserveUpload, "missing_file_name", errMissingFileName)
	}
	if err := checkUpload(input.MimeType, input.SizeBytes); err != nil {
		return Reservation{}, apperrors.Validation(opReserveUpload, "invalid_file", err)
	}
	conversation, _, err := l.registry.Participant(ctx, input.ConversationID, strings.TrimSpace(input.UploaderID))
	if err != nil {
		return Reservation{}, err
	}

	uploadID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opReserveUpload, "id_generation_failed", err)
		return Reservation{}, apperrors.Internal(opReserveUpload, "id_generation_failed", err)
	}
	key := objectKey(conversation.ID, uploadID, input.FileName)
	signed, err := l.objects.SignedUploadURL(ctx, key, input.SizeBytes, l.uploadTTL)
	if err != nil {
		l.logError(opReserveUpload, "sign_failed", err, zap.String(fieldKey, key))
		return Reservation{}, apperrors.Storage(opReserveUpload, "sign_failed", err)
	}
	return Reservation{
		Key:       key,
		UploadURL: signed.URL,
		ExpiresAt: signed.ExpiresAt,
		MaxBytes:  input.SizeBytes,
	}, nil
}

// Finalize records the attachment row for an uploaded blob on one of the uploader's own
// messages. If the row cannot be written the blob is deleted so no orphan remains.
func (l *AttachmentLinker) Finalize(ctx context.Context, input FinalizeInput) (string, error) {
	messageID, err := ids.NewEntityID(input.MessageID)
	if err != nil {
		return "", apperrors.Validation(opFinalize, "invalid_message_id", err)
	}
	uploaderID, err := ids.NewParticipantID(input.UploaderID)
	if err != nil {
		return "", apperrors.Validation(opFinalize, "invalid_uploader_id", err)
	}
	if strings.TrimSpace(input.FileName) == "" {
		return "", apperrors.Validation(opFinalize, "missing_file_name", errMissingFileName)
	}
	if err := checkUpload(input.MimeType, input.SizeBytes); err != nil {
		return "", apperrors.Validation(opFinalize, "invalid_file", err)
	}

	db := l.db.WithContext(ctx)
	var message Message
	err = db.Where("id = ?", messageID.String()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.NotFound(opFinalize, "message_not_found", err)
	}
	if err != nil {
		l.logError(opFinalize, reasonQueryFailed, err, zap.String(fieldMessageID, messageID.String()))
		return "", apperrors.FromStore(opFinalize, reasonQueryFailed, err)
	}
	if !keyBelongsTo(input.Key, message.ConversationID) {
		return "", apperrors.Authorization(opFinalize, "foreign_key", errForeignKey)
	}
	if _, _, err := l.registry.Participant(ctx, message.ConversationID, uploaderID.String()); err != nil {
		return "", err
	}
	if message.SenderID != uploaderID.String() {
		return "", apperrors.Authorization(opFinalize, "not_message_sender", errNotMessageSender)
	}

	info, err := l.objects.Stat(ctx, input.Key)
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		return "", apperrors.NotFound(opFinalize, "blob_not_found", errAttachmentMissing)
	}
	if err != nil {
		l.logError(opFinalize, "blob_stat_failed", err, zap.String(fieldKey, input.Key))
		return "", apperrors.Storage(opFinalize, "blob_stat_failed", err)
	}
	if info.SizeBytes > MaxAttachmentBytes {
		l.deleteBlob(ctx, input.Key)
		return "", apperrors.Validation(opFinalize, "blob_too_large", checkUpload(input.MimeType, info.SizeBytes))
	}

	attachmentID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opFinalize, "id_generation_failed", err)
		return "", apperrors.Internal(opFinalize, "id_generation_failed", err)
	}
	attachment := Attachment{
		ID:            attachmentID,
		MessageID:     message.ID,
		FilePath:      input.Key,
		FileName:      strings.TrimSpace(input.FileName),
		MimeType:      NormalizeMimeType(input.MimeType),
		FileSizeBytes: info.SizeBytes,
		UploaderID:    uploaderID.String(),
		CreatedAt:     l.clock().UTC(),
	}
	if err := db.Create(&attachment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", apperrors.Conflict(opFinalize, "already_linked", err)
		}
		l.logError(opFinalize, reasonInsertFailed, err, zap.String(fieldKey, input.Key))
		l.deleteBlob(ctx, input.Key)
		return "", apperrors.Storage(opFinalize, reasonInsertFailed, err)
	}
	l.metrics.AttachmentLinked()
	return attachment.ID, nil
}

// SignedReadURL returns a short-lived download URL for participants of the attachment's
// conversation.
func (l *AttachmentLinker) SignedReadURL(ctx context.Context, attachmentRaw, requesterRaw string) (blobstore.SignedURL, error) {
	attachmentID, err := ids.NewEntityID(attachmentRaw)
	if err != nil {
		return blobstore.SignedURL{}, apperrors.Validation(opSignedReadURL, "invalid_attachment_id", err)
	}
	requesterID, err := ids.NewParticipantID(requesterRaw)
	if err != nil {
		return blobstore.SignedURL{}, apperrors.Validation(opSignedReadURL, "invalid_requester_id", err)
	}

	var row struct {
		FilePath       string
		ConversationID string
	}
	result := l.db.WithContext(ctx).
		Table(Attachment{}.TableName()+" AS a").
		Select("a.file_path AS file_path, m.conversation_id AS conversation_id").
		Joins("JOIN "+Message{}.TableName()+" AS m ON m.id = a.message_id").
		Where("a.id = ?", attachmentID.String()).
		Limit(1).
		Scan(&row)
	if result.Error != nil {
		l.logError(opSignedReadURL, reasonQueryFailed, result.Error)
		return blobstore.SignedURL{}, apperrors.FromStore(opSignedReadURL, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return blobstore.SignedURL{}, apperrors.NotFound(opSignedReadURL, "attachment_not_found", gorm.ErrRecordNotFound)
	}
	if _, _, err := l.registry.Participant(ctx, row.ConversationID, requesterID.String()); err != nil {
		return blobstore.SignedURL{}, err
	}

	signed, err := l.objects.SignedReadURL(ctx, row.FilePath, l.readURLTTL)
	if err != nil {
		l.logError(opSignedReadURL, "sign_failed", err, zap.String(fieldKey, row.FilePath))
		return blobstore.SignedURL{}, apperrors.Storage(opSignedReadURL, "sign_failed", err)
	}
	return signed, nil
}

func (l *AttachmentLinker) deleteBlob(ctx context.Context, key string) {
	if err := l.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		l.logError(opFinalize, "blob_delete_failed", err, zap.String(fieldKey, key))
		return
	}
	l.metrics.Compensation(opFinalize)
}

func (l *AttachmentLinker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("attachment linker error", attrs...)
}
