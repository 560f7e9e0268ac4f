package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/confidence"
	"oddspipe/internal/matcher"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// LearningHandler is the manual-learning input: an operator reports an
// observed outcome for an instrument and the implicated sources' trust state
// updates without waiting for natural resolution.
type LearningHandler struct {
	Scorer  *confidence.Scorer
	Matcher *matcher.Matcher
	Repo    repository.Repository
}

func (h *LearningHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/learning/outcomes", h.recordOutcome)
}

type learningRequest struct {
	InstrumentDescription string   `json:"instrument_description"`
	EventType             string   `json:"event_type"`
	Outcome               string   `json:"observed_outcome" binding:"required"`
	SourceIDs             []string `json:"source_ids"`
}

func (h *LearningHandler) recordOutcome(c *gin.Context) {
	if h.Scorer == nil {
		Error(c, http.StatusInternalServerError, "scorer unavailable", nil)
		return
	}
	var req learningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	switch outcome {
	case quote.ResolutionWin, quote.ResolutionLoss, quote.ResolutionVoid:
	default:
		Error(c, http.StatusBadRequest, "observed_outcome must be win, loss or void", nil)
		return
	}

	sources := req.SourceIDs
	if len(sources) == 0 {
		// No explicit sources: implicate whoever contributed to the latest
		// signal for the described market.
		implicated, err := h.implicate(c, req.InstrumentDescription, req.EventType)
		if err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		sources = implicated
	}
	if len(sources) == 0 {
		Error(c, http.StatusUnprocessableEntity, "no sources implicated by description", nil)
		return
	}

	if err := h.Scorer.RecordOutcome(c.Request.Context(), sources, outcome); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"sources": sources, "outcome": outcome}, nil)
}

func (h *LearningHandler) implicate(c *gin.Context, description, eventType string) ([]string, error) {
	if h.Matcher == nil || h.Repo == nil || strings.TrimSpace(description) == "" {
		return nil, nil
	}
	ctx := c.Request.Context()
	res, err := h.Matcher.Match(ctx, "manual-learning", description, description, eventType)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	signals, err := h.Repo.ListEdgeSignals(ctx, repository.ListEdgeSignalsParams{
		Limit:             1,
		CanonicalMarketID: &res.CanonicalMarketID,
		OrderBy:           "detected_at",
		Asc:               boolPtr(false),
	})
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	var sources []string
	if err := json.Unmarshal(signals[0].SourcesUsed, &sources); err != nil {
		return nil, nil
	}
	return sources, nil
}
