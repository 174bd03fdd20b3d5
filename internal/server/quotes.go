package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/quotes"
	"github.com/gin-gonic/gin"
)

type createQuoteRequest struct {
	ProviderID string                   `json:"provider_id"`
	Package    quotes.PackageDescriptor `json:"package"`
	Note       string                   `json:"note"`
}

func (h *httpHandler) handleCreateQuote(c *gin.Context) {
	var request createQuoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	result, err := h.quotes.Create(c.Request.Context(), quotes.CreateInput{
		BuyerID:    actorID(c),
		ProviderID: request.ProviderID,
		Package:    request.Package,
		Note:       request.Note,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleGetQuote(c *gin.Context) {
	quote, err := h.quotes.Get(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *httpHandler) handleListQuotes(c *gin.Context) {
	listed, err := h.quotes.ListForConversation(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if listed == nil {
		listed = []quotes.Quote{}
	}
	c.JSON(http.StatusOK, gin.H{"quotes": listed})
}

type finalPriceRequest struct {
	Price           int64  `json:"price"`
	Message         string `json:"message"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (h *httpHandler) handleSetFinalPrice(c *gin.Context) {
	var request finalPriceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	quote, err := h.quotes.SetProviderFinalPrice(c.Request.Context(), quotes.FinalPriceInput{
		QuoteID:         c.Param("id"),
		ActorID:         actorID(c),
		Price:           request.Price,
		Message:         request.Message,
		ExpectedVersion: request.ExpectedVersion,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type decisionRequest struct {
	Decision        quotes.Decision `json:"decision"`
	ExpectedVersion int64           `json:"expected_version"`
}

func (h *httpHandler) handleDecideQuote(c *gin.Context) {
	var request decisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.abortInvalidRequest(c, "invalid_body", err)
		return
	}
	quote, err := h.quotes.Decide(c.Request.Context(), quotes.DecisionInput{
		QuoteID:         c.Param("id"),
		ActorID:         actorID(c),
		Decision:        request.Decision,
		ExpectedVersion: request.ExpectedVersion,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}
