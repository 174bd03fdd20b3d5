package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/gin-gonic/gin"
)

const (
	opStartConversation = "http.start_conversation"
	defaultMessagePage  = 100
	maxMessagePage      = 500
)

var errActorOutsidePair = errors.New("actor must be the buyer or the provider")

type conversationPayload struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyer_id"`
	ProviderID    string     `json:"provider_id"`
	Role          string     `json:"role"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at"`
	LastSeq       int64      `json:"last_seq"`
}

func newConversationPayload(conversation conversations.Conversation, actor string) conversationPayload {
	role, _ := conversation.RoleOf(actor)
	return conversationPayload{
		ID:            conversation.ID,
		BuyerID:       conversation.BuyerID,
		ProviderID:    conversation.ProviderID,
		Role:          string(role),
		CreatedAt:     conversation.CreatedAt,
		LastMessageAt: conversation.LastMessageAt,
		LastSeq:       conversation.LastSeq,
	}
}

type startConversationRequest struct {
	BuyerID    string `json:"buyer_id"`
	ProviderID string `json:"provider_id"`
}

func (h *httpHandler) handleStartConversation(c *gin.Context) {
	var request startConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	actor := actorID(c)
	if actor != request.BuyerID && actor != request.ProviderID {
		h.abortWithError(c, apperrors.Authorization(opStartConversation, "not_participant", errActorOutsidePair))
		return
	}
	conversation, err := h.conversations.GetOrCreate(c.Request.Context(), request.BuyerID, request.ProviderID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationPayload(conversation, actor))
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.abortInvalidRequest(c, "invalid_limit", err)
		return
	}
	actor := actorID(c)
	listed, err := h.conversations.ListForParticipant(c.Request.Context(), actor, int(limit))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	payload := make([]conversationPayload, 0, len(listed))
	for _, conversation := range listed {
		payload = append(payload, newConversationPayload(conversation, actor))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payload})
}

type sendMessageRequest struct {
	Text        string                   `json:"text"`
	Attachments []messages.AttachmentRef `json:"attachments"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	message, err := h.messages.Append(c.Request.Context(), messages.AppendInput{
		ConversationID: c.Param("id"),
		SenderID:       actorID(c),
		Text:           request.Text,
		Attachments:    request.Attachments,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

type messagePagePayload struct {
	Messages   []messages.Message `json:"messages"`
	NextCursor int64              `json:"next_cursor"`
	HasMore    bool               `json:"has_more"`
}

// handleListMessages replays messages after the cursor; clients pass next_cursor back as after.
func (h *httpHandler) handleListMessages(c *gin.Context) {
	after, err := queryInt(c, "after", 0)
	if err != nil || after < 0 {
		h.abortInvalidRequest(c, "invalid_cursor", errors.New("after must be a non-negative integer"))
		return
	}
	limit, err := queryInt(c, "limit", defaultMessagePage)
	if err != nil || limit <= 0 {
		h.abortInvalidRequest(c, "invalid_limit", errors.New("limit must be a positive integer"))
		return
	}
	if limit > maxMessagePage {
		limit = maxMessagePage
	}

	conversationID := c.Param("id")
	if _, _, err := h.conversations.Participant(c.Request.Context(), conversationID, actorID(c)); err != nil {
		h.abortWithError(c, err)
		return
	}

	page := messagePagePayload{Messages: make([]messages.Message, 0), NextCursor: after}
	for message, err := range h.messages.ListSince(c.Request.Context(), conversationID, after) {
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		if int64(len(page.Messages)) == limit {
			page.HasMore = true
			break
		}
		page.Messages = append(page.Messages, message)
		page.NextCursor = message.Seq
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
