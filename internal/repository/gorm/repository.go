package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"oddspipe/internal/models"
	"oddspipe/internal/repository"
)

var _ repository.Repository = (*Store)(nil)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- source health ------------------------------------------------------------

func (s *Store) GetSourceHealth(ctx context.Context, sourceID string) (*models.SourceHealthRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SourceHealthRecord
	err := s.db.WithContext(ctx).First(&item, "source_id = ?", strings.TrimSpace(sourceID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSourceHealth(ctx context.Context, item *models.SourceHealthRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.SourceID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_success_at",
			"last_failure_at",
			"consecutive_failures",
			"avg_latency_ms",
			"circuit_state",
			"cooldown_until",
			"last_error",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListSourceHealth(ctx context.Context) ([]models.SourceHealthRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SourceHealthRecord
	if err := s.db.WithContext(ctx).
		Model(&models.SourceHealthRecord{}).
		Order("source_id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- source trust ---------------------------------------------------------------

func (s *Store) GetSourceTrust(ctx context.Context, sourceID string) (*models.SourceTrustState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SourceTrustState
	err := s.db.WithContext(ctx).First(&item, "source_id = ?", strings.TrimSpace(sourceID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSourceTrust(ctx context.Context, item *models.SourceTrustState) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.SourceID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"wins",
			"losses",
			"smoothed_win_rate",
			"trust_multiplier",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListSourceTrust(ctx context.Context) ([]models.SourceTrustState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SourceTrustState
	if err := s.db.WithContext(ctx).
		Model(&models.SourceTrustState{}).
		Order("source_id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- canonical markets & manual mappings ---------------------------------------

func (s *Store) GetCanonicalMarket(ctx context.Context, id string) (*models.CanonicalMarket, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CanonicalMarket
	err := s.db.WithContext(ctx).First(&item, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertCanonicalMarket(ctx context.Context, item *models.CanonicalMarket) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title",
			"event_type",
			"entities",
			"yes_price",
			"active",
			"last_activity_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListActiveCanonicalMarkets(ctx context.Context) ([]models.CanonicalMarket, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.CanonicalMarket
	if err := s.db.WithContext(ctx).
		Model(&models.CanonicalMarket{}).
		Where("active = ?", true).
		Order("last_activity_at desc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetManualMapping(ctx context.Context, sourceID, instrumentKey string) (*models.ManualMapping, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.ManualMapping
	err := s.db.WithContext(ctx).
		Where("source_id = ? AND source_instrument_key = ?", strings.TrimSpace(sourceID), strings.TrimSpace(instrumentKey)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertManualMapping(ctx context.Context, item *models.ManualMapping) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.SourceID) == "" || strings.TrimSpace(item.SourceInstrumentKey) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}, {Name: "source_instrument_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"canonical_market_id",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListManualMappings(ctx context.Context) ([]models.ManualMapping, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.ManualMapping
	if err := s.db.WithContext(ctx).
		Model(&models.ManualMapping{}).
		Order("source_id asc, source_instrument_key asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- edge signals ----------------------------------------------------------------

func (s *Store) InsertEdgeSignal(ctx context.Context, item *models.EdgeSignalRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListEdgeSignals(ctx context.Context, params repository.ListEdgeSignalsParams) ([]models.EdgeSignalRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.EdgeSignalRecord{})
	if params.CanonicalMarketID != nil && strings.TrimSpace(*params.CanonicalMarketID) != "" {
		query = query.Where("canonical_market_id = ?", strings.TrimSpace(*params.CanonicalMarketID))
	}
	if params.Side != nil && strings.TrimSpace(*params.Side) != "" {
		query = query.Where("side = ?", strings.TrimSpace(*params.Side))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("detected_at >= ?", *params.Since)
	}
	if params.MinEdge != nil {
		query = query.Where("edge >= ?", *params.MinEdge)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "detected_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.EdgeSignalRecord
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListEdgeSamples(ctx context.Context, canonicalMarketID, side string, limit int) ([]float64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 200)
	var samples []float64
	query := s.db.WithContext(ctx).
		Model(&models.EdgeSignalRecord{}).
		Order("detected_at desc").
		Limit(limit)
	if strings.TrimSpace(canonicalMarketID) != "" {
		query = query.Where("canonical_market_id = ?", strings.TrimSpace(canonicalMarketID))
	}
	if strings.TrimSpace(side) != "" {
		query = query.Where("side = ?", strings.TrimSpace(side))
	}
	if err := query.Pluck("edge", &samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}

// --- positions ---------------------------------------------------------------------

func (s *Store) InsertPosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdatePosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) GetOpenPosition(ctx context.Context, canonicalMarketID, side string) (*models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Position
	err := s.db.WithContext(ctx).
		Where("canonical_market_id = ? AND side = ? AND status = ?",
			strings.TrimSpace(canonicalMarketID), strings.TrimSpace(side), models.PositionOpen).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Position
	if err := s.db.WithContext(ctx).
		Model(&models.Position{}).
		Where("status = ?", models.PositionOpen).
		Order("opened_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOpenPositionsByMarket(ctx context.Context, canonicalMarketID string) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Position
	if err := s.db.WithContext(ctx).
		Model(&models.Position{}).
		Where("status = ? AND canonical_market_id = ?", models.PositionOpen, strings.TrimSpace(canonicalMarketID)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := positionQuery(s.db.WithContext(ctx), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "opened_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Position
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := positionQuery(s.db.WithContext(ctx), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func positionQuery(db *gorm.DB, params repository.ListPositionsParams) *gorm.DB {
	query := db.Model(&models.Position{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Outcome != nil && strings.TrimSpace(*params.Outcome) != "" {
		query = query.Where("outcome = ?", strings.TrimSpace(*params.Outcome))
	}
	if params.CanonicalMarketID != nil && strings.TrimSpace(*params.CanonicalMarketID) != "" {
		query = query.Where("canonical_market_id = ?", strings.TrimSpace(*params.CanonicalMarketID))
	}
	return query
}

// --- portfolio -----------------------------------------------------------------------

func (s *Store) GetPortfolioState(ctx context.Context) (*models.PortfolioState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.PortfolioState
	err := s.db.WithContext(ctx).First(&item, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SavePortfolioState(ctx context.Context, item *models.PortfolioState) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.ID = 1
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) InsertPortfolioSnapshot(ctx context.Context, item *models.PortfolioSnapshot) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListPortfolioSnapshots(ctx context.Context, params repository.ListPortfolioSnapshotsParams) ([]models.PortfolioSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PortfolioSnapshot{})
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("snapshot_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("snapshot_at <= ?", *params.Until)
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.PortfolioSnapshot
	if err := query.Order("snapshot_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers ----------------------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
