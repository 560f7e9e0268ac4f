package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oddspipe/internal/portfolio"
	"oddspipe/internal/repository"
)

// PortfolioHandler exposes the balance/phase snapshot, position history and
// the settlement input that resolves open positions.
type PortfolioHandler struct {
	Engine *portfolio.Engine
	Repo   repository.Repository
}

func (h *PortfolioHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/portfolio")
	group.GET("", h.snapshot)
	group.GET("/positions", h.listPositions)
	group.GET("/snapshots", h.listSnapshots)
}

func (h *PortfolioHandler) snapshot(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	state, open, err := h.Engine.Snapshot(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{
		"balance":             state.Balance,
		"phase_id":            state.PhaseID,
		"daily_trade_count":   state.DailyTradeCount,
		"daily_realized_loss": state.DailyRealizedLoss,
		"consecutive_losses":  state.ConsecutiveLosses,
		"cooldown_until":      state.CooldownUntil,
		"open_positions":      open,
	}, nil)
}

func (h *PortfolioHandler) listPositions(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	params := repository.ListPositionsParams{
		Limit:             limit,
		Offset:            offset,
		Status:            strQueryPtr(c, "status"),
		Outcome:           strQueryPtr(c, "outcome"),
		CanonicalMarketID: strQueryPtr(c, "market"),
		OrderBy:           "opened_at",
		Asc:               boolPtr(false),
	}
	items, err := h.Repo.ListPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *PortfolioHandler) listSnapshots(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	items, err := h.Repo.ListPortfolioSnapshots(c.Request.Context(), repository.ListPortfolioSnapshotsParams{
		Limit:  limit,
		Offset: offset,
		Since:  timeQueryPtr(c, "since"),
		Until:  timeQueryPtr(c, "until"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, int64(len(items))))
}
