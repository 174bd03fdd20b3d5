package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthorization:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindStorage:
		return http.StatusBadGateway
	case apperrors.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind = apperrors.KindDependencyUnavailable
	}
	status := statusForKind(kind)
	payload := errorPayload{Error: string(kind), Code: apperrors.CodeOf(err), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", payload.Code),
			zap.Error(err))
		if kind == apperrors.KindInternal {
			payload.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, payload)
}

func (h *httpHandler) abortInvalidRequest(c *gin.Context, code string, err error) {
	h.abortWithError(c, apperrors.Validation("http", code, err))
}
