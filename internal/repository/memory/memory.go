// Package memoryrepository is a map-backed Repository used when no database
// DSN is configured (demo and paper runs) and as the double in package tests.
package memoryrepository

import (
	"context"
	"sort"
	"sync"
	"time"

	"oddspipe/internal/models"
	"oddspipe/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	health   map[string]models.SourceHealthRecord
	trust    map[string]models.SourceTrustState
	markets  map[string]models.CanonicalMarket
	mappings map[string]models.ManualMapping // sourceID + "\x00" + instrumentKey

	signals   []models.EdgeSignalRecord
	positions map[string]models.Position

	state     *models.PortfolioState
	snapshots []models.PortfolioSnapshot

	nextSignalID   uint64
	nextMappingID  uint64
	nextSnapshotID uint64
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		health:    map[string]models.SourceHealthRecord{},
		trust:     map[string]models.SourceTrustState{},
		markets:   map[string]models.CanonicalMarket{},
		mappings:  map[string]models.ManualMapping{},
		positions: map[string]models.Position{},
	}
}

func mappingKey(sourceID, instrumentKey string) string {
	return sourceID + "\x00" + instrumentKey
}

func (s *Store) GetSourceHealth(ctx context.Context, sourceID string) (*models.SourceHealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.health[sourceID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *Store) UpsertSourceHealth(ctx context.Context, item *models.SourceHealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.health[item.SourceID] = *item
	return nil
}

func (s *Store) ListSourceHealth(ctx context.Context) ([]models.SourceHealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SourceHealthRecord, 0, len(s.health))
	for _, rec := range s.health {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *Store) GetSourceTrust(ctx context.Context, sourceID string) (*models.SourceTrustState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.trust[sourceID]
	if !ok {
		return nil, nil
	}
	out := st
	return &out, nil
}

func (s *Store) UpsertSourceTrust(ctx context.Context, item *models.SourceTrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.trust[item.SourceID] = *item
	return nil
}

func (s *Store) ListSourceTrust(ctx context.Context) ([]models.SourceTrustState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SourceTrustState, 0, len(s.trust))
	for _, st := range s.trust {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *Store) GetCanonicalMarket(ctx context.Context, id string) (*models.CanonicalMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mkt, ok := s.markets[id]
	if !ok {
		return nil, nil
	}
	out := mkt
	return &out, nil
}

func (s *Store) UpsertCanonicalMarket(ctx context.Context, item *models.CanonicalMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.markets[item.ID] = *item
	return nil
}

func (s *Store) ListActiveCanonicalMarkets(ctx context.Context) ([]models.CanonicalMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CanonicalMarket, 0, len(s.markets))
	for _, mkt := range s.markets {
		if mkt.Active {
			out = append(out, mkt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetManualMapping(ctx context.Context, sourceID, instrumentKey string) (*models.ManualMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[mappingKey(sourceID, instrumentKey)]
	if !ok {
		return nil, nil
	}
	out := m
	return &out, nil
}

func (s *Store) UpsertManualMapping(ctx context.Context, item *models.ManualMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(item.SourceID, item.SourceInstrumentKey)
	if existing, ok := s.mappings[key]; ok {
		item.ID = existing.ID
	} else {
		s.nextMappingID++
		item.ID = s.nextMappingID
	}
	item.UpdatedAt = time.Now()
	s.mappings[key] = *item
	return nil
}

func (s *Store) ListManualMappings(ctx context.Context) ([]models.ManualMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ManualMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertEdgeSignal(ctx context.Context, item *models.EdgeSignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSignalID++
	item.ID = s.nextSignalID
	item.CreatedAt = time.Now()
	s.signals = append(s.signals, *item)
	return nil
}

func (s *Store) ListEdgeSignals(ctx context.Context, params repository.ListEdgeSignalsParams) ([]models.EdgeSignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.EdgeSignalRecord, 0, len(s.signals))
	for _, sig := range s.signals {
		if params.CanonicalMarketID != nil && sig.CanonicalMarketID != *params.CanonicalMarketID {
			continue
		}
		if params.Side != nil && sig.Side != *params.Side {
			continue
		}
		if params.Since != nil && sig.DetectedAt.Before(*params.Since) {
			continue
		}
		if params.MinEdge != nil && sig.Edge < *params.MinEdge {
			continue
		}
		out = append(out, sig)
	}

	asc := params.Asc != nil && *params.Asc
	switch params.OrderBy {
	case "edge":
		sort.Slice(out, func(i, j int) bool {
			if asc {
				return out[i].Edge < out[j].Edge
			}
			return out[i].Edge > out[j].Edge
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if asc {
				return out[i].DetectedAt.Before(out[j].DetectedAt)
			}
			return out[i].DetectedAt.After(out[j].DetectedAt)
		})
	}
	return paginate(out, params.Limit, params.Offset), nil
}

func (s *Store) ListEdgeSamples(ctx context.Context, canonicalMarketID, side string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]models.EdgeSignalRecord, 0)
	for _, sig := range s.signals {
		if sig.CanonicalMarketID == canonicalMarketID && sig.Side == side {
			matched = append(matched, sig)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DetectedAt.After(matched[j].DetectedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]float64, len(matched))
	for i, sig := range matched {
		out[i] = sig.Edge
	}
	return out, nil
}

func (s *Store) InsertPosition(ctx context.Context, item *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	s.positions[item.ID] = *item
	return nil
}

func (s *Store) UpdatePosition(ctx context.Context, item *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.positions[item.ID] = *item
	return nil
}

func (s *Store) GetOpenPosition(ctx context.Context, canonicalMarketID, side string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pos := range s.positions {
		if pos.Status == models.PositionOpen && pos.CanonicalMarketID == canonicalMarketID && pos.Side == side {
			out := pos
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0)
	for _, pos := range s.positions {
		if pos.Status == models.PositionOpen {
			out = append(out, pos)
		}
	}
	sortPositions(out, "", false)
	return out, nil
}

func (s *Store) ListOpenPositionsByMarket(ctx context.Context, canonicalMarketID string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0)
	for _, pos := range s.positions {
		if pos.Status == models.PositionOpen && pos.CanonicalMarketID == canonicalMarketID {
			out = append(out, pos)
		}
	}
	sortPositions(out, "", false)
	return out, nil
}

func (s *Store) ListPositions(ctx context.Context, params repository.ListPositionsParams) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterPositions(params)
	asc := params.Asc != nil && *params.Asc
	sortPositions(out, params.OrderBy, asc)
	return paginate(out, params.Limit, params.Offset), nil
}

func (s *Store) CountPositions(ctx context.Context, params repository.ListPositionsParams) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterPositions(params))), nil
}

func (s *Store) filterPositions(params repository.ListPositionsParams) []models.Position {
	out := make([]models.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		if params.Status != nil && pos.Status != *params.Status {
			continue
		}
		if params.Outcome != nil && pos.Outcome != *params.Outcome {
			continue
		}
		if params.CanonicalMarketID != nil && pos.CanonicalMarketID != *params.CanonicalMarketID {
			continue
		}
		out = append(out, pos)
	}
	return out
}

func (s *Store) GetPortfolioState(ctx context.Context) (*models.PortfolioState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, nil
	}
	out := *s.state
	return &out, nil
}

func (s *Store) SavePortfolioState(ctx context.Context, item *models.PortfolioState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = 1
	item.UpdatedAt = time.Now()
	cp := *item
	s.state = &cp
	return nil
}

func (s *Store) InsertPortfolioSnapshot(ctx context.Context, item *models.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapshotID++
	item.ID = s.nextSnapshotID
	item.CreatedAt = time.Now()
	s.snapshots = append(s.snapshots, *item)
	return nil
}

func (s *Store) ListPortfolioSnapshots(ctx context.Context, params repository.ListPortfolioSnapshotsParams) ([]models.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PortfolioSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if params.Since != nil && snap.SnapshotAt.Before(*params.Since) {
			continue
		}
		if params.Until != nil && snap.SnapshotAt.After(*params.Until) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotAt.After(out[j].SnapshotAt) })
	return paginate(out, params.Limit, params.Offset), nil
}

func sortPositions(items []models.Position, orderBy string, asc bool) {
	switch orderBy {
	case "entry_edge":
		sort.Slice(items, func(i, j int) bool {
			if asc {
				return items[i].EntryEdge < items[j].EntryEdge
			}
			return items[i].EntryEdge > items[j].EntryEdge
		})
	default:
		sort.Slice(items, func(i, j int) bool {
			if asc {
				return items[i].OpenedAt.Before(items[j].OpenedAt)
			}
			return items[i].OpenedAt.After(items[j].OpenedAt)
		})
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
