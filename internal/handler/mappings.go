package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/matcher"
	"oddspipe/internal/repository"
)

// MappingHandler manages the curated manual mapping table and canonical
// market metadata that the matcher resolves against.
type MappingHandler struct {
	Matcher *matcher.Matcher
	Repo    repository.Repository
}

func (h *MappingHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/mappings")
	group.GET("", h.listMappings)
	group.POST("", h.upsertMapping)
	r.GET("/api/v1/markets", h.listMarkets)
}

func (h *MappingHandler) listMappings(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListManualMappings(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type mappingRequest struct {
	SourceID            string `json:"source_id" binding:"required"`
	SourceInstrumentKey string `json:"source_instrument_key" binding:"required"`
	CanonicalMarketID   string `json:"canonical_market_id" binding:"required"`
}

func (h *MappingHandler) upsertMapping(c *gin.Context) {
	if h.Matcher == nil || h.Repo == nil {
		Error(c, http.StatusInternalServerError, "matcher unavailable", nil)
		return
	}
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ctx := c.Request.Context()
	mkt, err := h.Repo.GetCanonicalMarket(ctx, strings.TrimSpace(req.CanonicalMarketID))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if mkt == nil {
		Error(c, http.StatusUnprocessableEntity, "unknown canonical market", nil)
		return
	}
	err = h.Matcher.UpsertMapping(ctx,
		strings.TrimSpace(req.SourceID),
		strings.TrimSpace(req.SourceInstrumentKey),
		mkt.ID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"canonical_market_id": mkt.ID}, nil)
}

func (h *MappingHandler) listMarkets(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListActiveCanonicalMarkets(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
