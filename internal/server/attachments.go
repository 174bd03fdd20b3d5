package server

import (
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type reserveAttachmentRequest struct {
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

func (h *httpHandler) handleReserveAttachment(c *gin.Context) {
	var request reserveAttachmentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	reservation, err := h.attachments.ReserveUpload(c.Request.Context(), messages.ReserveInput{
		ConversationID: c.Param("id"),
		UploaderID:     actorID(c),
		FileName:       request.FileName,
		MimeType:       request.MimeType,
		SizeBytes:      request.SizeBytes,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

type finalizeAttachmentRequest struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

func (h *httpHandler) handleFinalizeAttachment(c *gin.Context) {
	var request finalizeAttachmentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	attachmentID, err := h.attachments.Finalize(c.Request.Context(), messages.FinalizeInput{
		Key:        request.Key,
		MessageID:  request.MessageID,
		UploaderID: actorID(c),
		FileName:   request.FileName,
		MimeType:   request.MimeType,
		SizeBytes:  request.SizeBytes,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attachment_id": attachmentID})
}

type signedURLPayload struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *httpHandler) handleAttachmentURL(c *gin.Context) {
	signed, err := h.attachments.SignedReadURL(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, signedURLPayload{URL: signed.URL, ExpiresAt: signed.ExpiresAt})
}

// handleBlobUpload accepts the bytes for a reserved key. The signed token carries the size cap.
func (h *httpHandler) handleBlobUpload(c *gin.Context) {
	key := blobKey(c)
	claims, err := h.blobs.Signer().Verify(c.Query("token"), key, blobstore.PurposeWrite)
	if err != nil {
		h.logger.Info("blob upload token rejected", zap.String("key", key), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, errorPayload{Error: "authorization", Message: "upload token invalid or expired"})
		return
	}
	info, err := h.blobs.Put(c.Request.Context(), key, c.Request.Body, claims.MaxBytes)
	switch {
	case err == nil:
	case errors.Is(err, blobstore.ErrObjectTooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorPayload{Error: "validation", Message: err.Error()})
		return
	case errors.Is(err, blobstore.ErrForbiddenContent):
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, errorPayload{Error: "validation", Message: err.Error()})
		return
	case errors.Is(err, blobstore.ErrObjectExists):
		c.AbortWithStatusJSON(http.StatusConflict, errorPayload{Error: "conflict", Message: err.Error()})
		return
	case errors.Is(err, blobstore.ErrInvalidKey):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorPayload{Error: "validation", Message: err.Error()})
		return
	default:
		h.logger.Error("blob upload failed", zap.String("key", key), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, errorPayload{Error: "storage", Message: "upload failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":           info.Key,
		"size_bytes":    info.SizeBytes,
		"detected_mime": info.DetectedMIME,
	})
}

func (h *httpHandler) handleBlobDownload(c *gin.Context) {
	key := blobKey(c)
	if _, err := h.blobs.Signer().Verify(c.Query("token"), key, blobstore.PurposeRead); err != nil {
		h.logger.Info("blob read token rejected", zap.String("key", key), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusForbidden, errorPayload{Error: "authorization", Message: "read token invalid or expired"})
		return
	}
	file, err := h.blobs.Open(c.Request.Context(), key)
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, errorPayload{Error: "not_found", Message: "blob not found"})
		return
	}
	if err != nil {
		h.logger.Error("blob open failed", zap.String("key", key), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, errorPayload{Error: "storage", Message: "download failed"})
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		h.logger.Error("blob stat failed", zap.String("key", key), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, errorPayload{Error: "storage", Message: "download failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, path.Base(key), stat.ModTime(), file)
}

func blobKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}
