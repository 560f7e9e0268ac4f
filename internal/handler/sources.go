package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/fetch"
	"oddspipe/internal/repository"
)

// SourceHandler exposes the operational view of source health and trust.
type SourceHandler struct {
	Controller *fetch.Controller
	Repo       repository.Repository
}

func (h *SourceHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/sources")
	group.GET("/health", h.listHealth)
	group.GET("/trust", h.listTrust)
}

func (h *SourceHandler) listHealth(c *gin.Context) {
	if h.Controller == nil {
		Error(c, http.StatusInternalServerError, "controller unavailable", nil)
		return
	}
	items, err := h.Controller.Snapshot(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *SourceHandler) listTrust(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListSourceTrust(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
