package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/pipeline"
	"oddspipe/internal/quote"
)

// PipelineHandler accepts settlement reports and lets operators trigger a
// detection cycle outside the schedule.
type PipelineHandler struct {
	Pipeline *pipeline.Pipeline
}

func (h *PipelineHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/pipeline")
	group.POST("/tick", h.runTick)
	group.POST("/resolutions", h.applyResolutions)
}

func (h *PipelineHandler) runTick(c *gin.Context) {
	if h.Pipeline == nil {
		Error(c, http.StatusInternalServerError, "pipeline unavailable", nil)
		return
	}
	report, err := h.Pipeline.RunTick(c.Request.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrTickInProgress) {
			Error(c, http.StatusConflict, err.Error(), nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, report, nil)
}

type resolutionRequest struct {
	CanonicalMarketID string `json:"canonical_market_id" binding:"required"`
	WinningSide       string `json:"winning_side"`
	Void              bool   `json:"void"`
	SettledAt         string `json:"settled_at"`
}

func (h *PipelineHandler) applyResolutions(c *gin.Context) {
	if h.Pipeline == nil {
		Error(c, http.StatusInternalServerError, "pipeline unavailable", nil)
		return
	}
	var reqs []resolutionRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	resolutions := make([]quote.Resolution, 0, len(reqs))
	for _, req := range reqs {
		side := strings.ToUpper(strings.TrimSpace(req.WinningSide))
		if !req.Void && side != quote.SideYes && side != quote.SideNo {
			Error(c, http.StatusBadRequest, "winning_side must be YES or NO unless void", nil)
			return
		}
		settledAt := time.Now().UTC()
		if req.SettledAt != "" {
			if parsed, err := time.Parse(time.RFC3339, req.SettledAt); err == nil {
				settledAt = parsed.UTC()
			}
		}
		resolutions = append(resolutions, quote.Resolution{
			CanonicalMarketID: req.CanonicalMarketID,
			WinningSide:       side,
			Void:              req.Void,
			SettledAt:         settledAt,
		})
	}
	if err := h.Pipeline.ApplyResolutions(c.Request.Context(), resolutions); err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"applied": len(resolutions)}, nil)
}
