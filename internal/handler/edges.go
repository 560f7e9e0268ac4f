package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/repository"
)

// EdgeHandler serves the ranked edge signal history. The most recent cycle's
// rows are the live view; older rows are the audit trail.
type EdgeHandler struct {
	Repo repository.Repository
}

func (h *EdgeHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/edges")
	group.GET("", h.listEdges)
}

func (h *EdgeHandler) listEdges(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	orderBy := "detected_at"
	if c.Query("order") == "edge" {
		orderBy = "edge"
	}

	items, err := h.Repo.ListEdgeSignals(c.Request.Context(), repository.ListEdgeSignalsParams{
		Limit:             limit,
		Offset:            offset,
		CanonicalMarketID: strQueryPtr(c, "market"),
		Side:              strQueryPtr(c, "side"),
		Since:             timeQueryPtr(c, "since"),
		MinEdge:           floatQueryPtr(c, "min_edge"),
		OrderBy:           orderBy,
		Asc:               boolPtr(false),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	meta := paginationMeta(limit, offset, int64(len(items)))
	Ok(c, items, meta)
}
