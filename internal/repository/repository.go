package repository

import (
	"context"
	"time"

	"oddspipe/internal/models"
)

// Repository is the persistence contract for the pipeline: keyed access to
// health/trust/portfolio state and an append-only log of signals/positions.
type Repository interface {
	// Source health (owned by the fetch controller).
	GetSourceHealth(ctx context.Context, sourceID string) (*models.SourceHealthRecord, error)
	UpsertSourceHealth(ctx context.Context, item *models.SourceHealthRecord) error
	ListSourceHealth(ctx context.Context) ([]models.SourceHealthRecord, error)

	// Source trust (owned by the confidence scorer).
	GetSourceTrust(ctx context.Context, sourceID string) (*models.SourceTrustState, error)
	UpsertSourceTrust(ctx context.Context, item *models.SourceTrustState) error
	ListSourceTrust(ctx context.Context) ([]models.SourceTrustState, error)

	// Canonical markets and manual mappings.
	GetCanonicalMarket(ctx context.Context, id string) (*models.CanonicalMarket, error)
	UpsertCanonicalMarket(ctx context.Context, item *models.CanonicalMarket) error
	ListActiveCanonicalMarkets(ctx context.Context) ([]models.CanonicalMarket, error)
	GetManualMapping(ctx context.Context, sourceID, instrumentKey string) (*models.ManualMapping, error)
	UpsertManualMapping(ctx context.Context, item *models.ManualMapping) error
	ListManualMappings(ctx context.Context) ([]models.ManualMapping, error)

	// Edge signal history (append-only).
	InsertEdgeSignal(ctx context.Context, item *models.EdgeSignalRecord) error
	ListEdgeSignals(ctx context.Context, params ListEdgeSignalsParams) ([]models.EdgeSignalRecord, error)
	ListEdgeSamples(ctx context.Context, canonicalMarketID, side string, limit int) ([]float64, error)

	// Positions.
	InsertPosition(ctx context.Context, item *models.Position) error
	UpdatePosition(ctx context.Context, item *models.Position) error
	GetOpenPosition(ctx context.Context, canonicalMarketID, side string) (*models.Position, error)
	ListOpenPositions(ctx context.Context) ([]models.Position, error)
	ListOpenPositionsByMarket(ctx context.Context, canonicalMarketID string) ([]models.Position, error)
	ListPositions(ctx context.Context, params ListPositionsParams) ([]models.Position, error)
	CountPositions(ctx context.Context, params ListPositionsParams) (int64, error)

	// Portfolio state (singleton) and snapshots.
	GetPortfolioState(ctx context.Context) (*models.PortfolioState, error)
	SavePortfolioState(ctx context.Context, item *models.PortfolioState) error
	InsertPortfolioSnapshot(ctx context.Context, item *models.PortfolioSnapshot) error
	ListPortfolioSnapshots(ctx context.Context, params ListPortfolioSnapshotsParams) ([]models.PortfolioSnapshot, error)
}

type ListEdgeSignalsParams struct {
	Limit             int
	Offset            int
	CanonicalMarketID *string
	Side              *string
	Since             *time.Time
	MinEdge           *float64
	OrderBy           string
	Asc               *bool
}

type ListPositionsParams struct {
	Limit             int
	Offset            int
	Status            *string
	Outcome           *string
	CanonicalMarketID *string
	OrderBy           string
	Asc               *bool
}

type ListPortfolioSnapshotsParams struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}
