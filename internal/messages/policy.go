package messages

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/dustin/go-humanize"
)

const (
	// MaxAttachmentBytes caps a single upload.
	MaxAttachmentBytes int64 = 10 << 20
	maxFileNameLength        = 120
	maxTextLength            = 10000
	fallbackFileName         = "file"
	keyRootSegment           = "conversations"
)

var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":         {},
	"image/png":          {},
	"image/gif":          {},
	"image/webp":         {},
	"image/heic":         {},
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.ms-excel":                                                  {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.ms-powerpoint":                                             {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"text/plain": {},
	"text/csv":   {},
}

var (
	errMimeNotAllowed    = errors.New("file type is not allowed")
	errEmptyFile         = errors.New("file size must be positive")
	errMissingFileName   = errors.New("file name is required")
	errKeyOutsidePrefix  = errors.New("attachment key does not belong to the conversation")
	errEmptyMessage      = errors.New("message text or at least one attachment is required")
	errMessageTooLong    = fmt.Errorf("message text exceeds %d characters", maxTextLength)
	errAttachmentMissing = errors.New("uploaded file was not found")
)

// NormalizeMimeType lowercases the type and strips parameters.
func NormalizeMimeType(raw string) string {
	mediaType, _, _ := strings.Cut(raw, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// MimeAllowed reports whether the type may be attached.
func MimeAllowed(raw string) bool {
	_, ok := allowedMimeTypes[NormalizeMimeType(raw)]
	return ok
}

func checkUpload(mimeType string, sizeBytes int64) error {
	if !MimeAllowed(mimeType) {
		return fmt.Errorf("%w: %q", errMimeNotAllowed, NormalizeMimeType(mimeType))
	}
	if sizeBytes <= 0 {
		return errEmptyFile
	}
	if sizeBytes > MaxAttachmentBytes {
		return fmt.Errorf("file is %s bytes, the limit is %s",
			humanize.Comma(sizeBytes), humanize.IBytes(uint64(MaxAttachmentBytes)))
	}
	return nil
}

// SanitizeFileName reduces a client-supplied name to a safe single key segment.
func SanitizeFileName(raw string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	var builder strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			builder.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	cleaned := strings.TrimLeft(builder.String(), ".")
	if len(cleaned) > maxFileNameLength {
		cleaned = cleaned[len(cleaned)-maxFileNameLength:]
	}
	if cleaned == "" || strings.Trim(cleaned, "_") == "" {
		return fallbackFileName
	}
	return cleaned
}

func conversationKeyPrefix(conversationID string) string {
	return keyRootSegment + "/" + conversationID + "/"
}

func objectKey(conversationID, uploadID, fileName string) string {
	return conversationKeyPrefix(conversationID) + uploadID + "/" + SanitizeFileName(fileName)
}

func keyBelongsTo(key, conversationID string) bool {
	if blobstore.ValidateKey(key) != nil {
		return false
	}
	return strings.HasPrefix(key, conversationKeyPrefix(conversationID))
}

func validateRef(conversationID string, ref AttachmentRef) error {
	if !keyBelongsTo(ref.Key, conversationID) {
		return errKeyOutsidePrefix
	}
	if strings.TrimSpace(ref.FileName) == "" {
		return errMissingFileName
	}
	return checkUpload(ref.MimeType, ref.SizeBytes)
}
