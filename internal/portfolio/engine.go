// Package portfolio owns positions and the bankroll: phase ladder, risk
// gates, open/rotate/resolve lifecycle, and the trust feedback loop on
// resolution. All mutation runs under a single-writer lock.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"oddspipe/internal/confidence"
	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
	"oddspipe/internal/sizing"
)

// ErrInvariant marks defects (negative size, oversized allocation) that must
// abort the tick's position-opening step instead of being absorbed.
var ErrInvariant = errors.New("portfolio: invariant violation")

// Skip reasons for signals that do not open a position. Normal outcomes.
const (
	SkipAlreadyOpen       = "already_open"
	SkipDailyTradeLimit   = "daily_trade_limit"
	SkipDailyLossHalt     = "daily_loss_halt"
	SkipLossStreakCoolOff = "loss_streak_cooldown"
	SkipMaxOpenPositions  = "max_open_positions"
	SkipNoRotation        = "no_rotation_candidate"
)

// Outcome of considering one signal.
type ConsiderResult struct {
	Opened     bool
	Rotated    string // rotated position id, when rotation freed the capital
	SkipReason string
	Position   *models.Position
}

type Engine struct {
	Repo   repository.Repository
	Sizer  *sizing.Sizer
	Scorer *confidence.Scorer
	Logger *zap.Logger
	Config config.PortfolioConfig

	mu sync.Mutex

	// Overridable in tests.
	now   func() time.Time
	newID func() string
}

func New(repo repository.Repository, sizer *sizing.Sizer, scorer *confidence.Scorer, logger *zap.Logger, cfg config.PortfolioConfig) *Engine {
	return &Engine{
		Repo:   repo,
		Sizer:  sizer,
		Scorer: scorer,
		Logger: logger,
		Config: cfg,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// State loads the singleton portfolio state, initializing it on first use.
// Callers must hold the engine lock or tolerate a stale read.
func (e *Engine) State(ctx context.Context) (*models.PortfolioState, error) {
	st, err := e.Repo.GetPortfolioState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		balance := decimal.NewFromFloat(e.Config.InitialBalance)
		st = &models.PortfolioState{
			ID:        1,
			Balance:   balance,
			PhaseID:   e.phaseFor(balance).ID,
			DailyDate: dateOf(e.now()),
		}
		if err := e.Repo.SavePortfolioState(ctx, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Consider runs one accepted edge signal through the risk gates, the sizer
// and, at the position cap, the rotation rule. Exactly one goroutine at a
// time gets past the lock, so a limit checked here still holds at open time.
func (e *Engine) Consider(ctx context.Context, sig quote.EdgeSignal) (ConsiderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.State(ctx)
	if err != nil {
		return ConsiderResult{}, err
	}
	e.rollDaily(st)
	phase := e.phaseFor(st.Balance)

	now := e.now()
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return ConsiderResult{SkipReason: SkipLossStreakCoolOff}, nil
	}
	if phase.DailyTradeLimit > 0 && st.DailyTradeCount >= phase.DailyTradeLimit {
		return ConsiderResult{SkipReason: SkipDailyTradeLimit}, nil
	}
	if phase.DailyLossLimit > 0 && st.DailyRealizedLoss.GreaterThanOrEqual(decimal.NewFromFloat(phase.DailyLossLimit)) {
		return ConsiderResult{SkipReason: SkipDailyLossHalt}, nil
	}

	held, err := e.Repo.GetOpenPosition(ctx, sig.CanonicalMarketID, sig.Side)
	if err != nil {
		return ConsiderResult{}, err
	}
	if held != nil {
		return ConsiderResult{SkipReason: SkipAlreadyOpen}, nil
	}

	open, err := e.Repo.ListOpenPositions(ctx)
	if err != nil {
		return ConsiderResult{}, err
	}

	// At the position cap, the only way in is rotating out a weaker hold.
	// Selection is read-only here; the close commits only after the
	// replacement's allocation is accepted, so a sizing rejection never
	// leaves the held position gone with nothing in its place.
	var rotate *models.Position
	rotateEdge := 0.0
	if e.Config.MaxOpenPositions > 0 && len(open) >= e.Config.MaxOpenPositions {
		rotate, rotateEdge, err = e.rotationCandidate(ctx, sig, open)
		if err != nil {
			return ConsiderResult{}, err
		}
		if rotate == nil {
			return ConsiderResult{SkipReason: SkipMaxOpenPositions}, nil
		}
	}

	// Sized against the pre-rotation balance; rotation proceeds only grow it.
	decision, err := e.Sizer.Size(ctx, sig, st.Balance, phase.MaxFraction)
	if err != nil {
		return ConsiderResult{}, err
	}
	if !decision.Accepted {
		return ConsiderResult{SkipReason: decision.Reason}, nil
	}
	if decision.Size.GreaterThan(st.Balance) {
		return ConsiderResult{SkipReason: SkipNoRotation}, nil
	}

	rotatedID := ""
	if rotate != nil {
		rotatedID, err = e.commitRotation(ctx, st, sig, rotate, rotateEdge)
		if err != nil {
			return ConsiderResult{}, err
		}
	}

	pos, err := e.open(ctx, st, sig, decision, phase)
	if err != nil {
		return ConsiderResult{}, err
	}
	return ConsiderResult{Opened: true, Rotated: rotatedID, Position: pos}, nil
}

func (e *Engine) open(ctx context.Context, st *models.PortfolioState, sig quote.EdgeSignal, decision sizing.Decision, phase config.PhaseConfig) (*models.Position, error) {
	if decision.Size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive position size %s", ErrInvariant, decision.Size)
	}
	maxSize := st.Balance.Mul(decimal.NewFromFloat(phase.MaxFraction))
	if phase.MaxFraction > 0 && decision.Size.GreaterThan(maxSize.Add(decimal.NewFromFloat(0.01))) {
		return nil, fmt.Errorf("%w: size %s exceeds %v of balance %s", ErrInvariant, decision.Size, phase.MaxFraction, st.Balance)
	}

	sources, err := json.Marshal(sig.SourcesUsed)
	if err != nil {
		return nil, err
	}
	now := e.now()
	pos := &models.Position{
		ID:                e.newID(),
		CanonicalMarketID: sig.CanonicalMarketID,
		Side:              sig.Side,
		EntryPrice:        decimal.NewFromFloat(sig.MarketPrice),
		Size:              decision.Size,
		Shares:            decision.Shares,
		EntryEdge:         sig.Edge,
		SourcesUsed:       datatypes.JSON(sources),
		Status:            models.PositionOpen,
		Outcome:           models.OutcomePending,
		PnL:               decimal.Zero,
		OpenedAt:          now,
	}
	if err := e.Repo.InsertPosition(ctx, pos); err != nil {
		return nil, err
	}

	st.Balance = st.Balance.Sub(decision.Size)
	st.DailyTradeCount++
	if err := e.Repo.SavePortfolioState(ctx, st); err != nil {
		return nil, err
	}
	e.Logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("canonical_market_id", pos.CanonicalMarketID),
		zap.String("side", pos.Side),
		zap.String("size", pos.Size.String()),
		zap.Float64("entry_edge", pos.EntryEdge),
		zap.String("balance", st.Balance.String()))
	return pos, nil
}

// rotationCandidate picks the weakest open position, returning it only when
// the incoming signal's edge beats its current edge by more than the
// transaction cost. Equal or lesser expected value never rotates. Does not
// mutate anything.
func (e *Engine) rotationCandidate(ctx context.Context, sig quote.EdgeSignal, open []models.Position) (*models.Position, float64, error) {
	var worst *models.Position
	worstEdge := 0.0
	for i := range open {
		cur, err := e.currentEdge(ctx, &open[i])
		if err != nil {
			return nil, 0, err
		}
		if worst == nil || cur < worstEdge {
			worst = &open[i]
			worstEdge = cur
		}
	}
	if worst == nil {
		return nil, 0, nil
	}
	if sig.Edge-e.Config.TransactionCost <= worstEdge {
		return nil, 0, nil
	}
	return worst, worstEdge, nil
}

// commitRotation closes the candidate early at the current market price and
// returns the proceeds to the bankroll.
func (e *Engine) commitRotation(ctx context.Context, st *models.PortfolioState, sig quote.EdgeSignal, worst *models.Position, worstEdge float64) (string, error) {
	price, err := e.currentPrice(ctx, worst)
	if err != nil {
		return "", err
	}
	proceeds := worst.Shares.Mul(price).Round(2)
	pnl := proceeds.Sub(worst.Size)

	now := e.now()
	worst.Status = models.PositionRotated
	worst.PnL = pnl
	worst.ClosedAt = &now
	if err := e.Repo.UpdatePosition(ctx, worst); err != nil {
		return "", err
	}

	st.Balance = st.Balance.Add(proceeds)
	if pnl.IsNegative() {
		st.DailyRealizedLoss = st.DailyRealizedLoss.Add(pnl.Neg())
	}
	if err := e.Repo.SavePortfolioState(ctx, st); err != nil {
		return "", err
	}
	e.Logger.Info("position rotated",
		zap.String("position_id", worst.ID),
		zap.Float64("held_edge", worstEdge),
		zap.Float64("new_edge", sig.Edge),
		zap.String("pnl", pnl.String()))
	return worst.ID, nil
}

// currentEdge is the latest recorded edge for the position's market/side,
// falling back to the entry edge when no newer signal exists.
func (e *Engine) currentEdge(ctx context.Context, pos *models.Position) (float64, error) {
	samples, err := e.Repo.ListEdgeSamples(ctx, pos.CanonicalMarketID, pos.Side, 1)
	if err != nil {
		return 0, err
	}
	if len(samples) > 0 {
		return samples[0], nil
	}
	return pos.EntryEdge, nil
}

func (e *Engine) currentPrice(ctx context.Context, pos *models.Position) (decimal.Decimal, error) {
	mkt, err := e.Repo.GetCanonicalMarket(ctx, pos.CanonicalMarketID)
	if err != nil {
		return decimal.Zero, err
	}
	if mkt == nil {
		return pos.EntryPrice, nil
	}
	price := mkt.YesPrice
	if pos.Side == quote.SideNo {
		price = 1 - price
	}
	if price <= 0 {
		return pos.EntryPrice, nil
	}
	return decimal.NewFromFloat(price), nil
}

// ApplyResolutions settles open positions against the resolution feed,
// updates the bankroll, loss gates and phase, reports outcomes back to the
// scorer's trust state, and snapshots the portfolio.
func (e *Engine) ApplyResolutions(ctx context.Context, resolutions []quote.Resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.State(ctx)
	if err != nil {
		return err
	}
	e.rollDaily(st)

	settled := 0
	for _, res := range resolutions {
		positions, err := e.Repo.ListOpenPositionsByMarket(ctx, res.CanonicalMarketID)
		if err != nil {
			return err
		}
		for i := range positions {
			if err := e.resolve(ctx, st, &positions[i], res); err != nil {
				return err
			}
			settled++
		}
	}
	if settled == 0 {
		return nil
	}

	st.PhaseID = e.phaseFor(st.Balance).ID
	if err := e.Repo.SavePortfolioState(ctx, st); err != nil {
		return err
	}
	if e.Config.SnapshotOnResolve {
		if err := e.snapshot(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, st *models.PortfolioState, pos *models.Position, res quote.Resolution) error {
	now := e.now()
	var trustOutcome string
	switch {
	case res.Void:
		pos.Outcome = models.OutcomeVoid
		pos.PnL = decimal.Zero
		st.Balance = st.Balance.Add(pos.Size)
		trustOutcome = quote.ResolutionVoid
	case pos.Side == res.WinningSide:
		pos.Outcome = models.OutcomeWin
		// Winning shares pay out at 1.
		pos.PnL = pos.Shares.Sub(pos.Size)
		st.Balance = st.Balance.Add(pos.Shares)
		st.ConsecutiveLosses = 0
		trustOutcome = quote.ResolutionWin
	default:
		pos.Outcome = models.OutcomeLoss
		pos.PnL = pos.Size.Neg()
		st.ConsecutiveLosses++
		st.DailyRealizedLoss = st.DailyRealizedLoss.Add(pos.Size)
		trustOutcome = quote.ResolutionLoss
	}
	pos.Status = models.PositionResolved
	pos.ClosedAt = &now
	if err := e.Repo.UpdatePosition(ctx, pos); err != nil {
		return err
	}

	if st.ConsecutiveLosses >= e.Config.LossStreakLimit && e.Config.LossStreakLimit > 0 {
		until := now.Add(e.Config.LossStreakCooldown)
		st.CooldownUntil = &until
		e.Logger.Warn("loss streak cooldown engaged",
			zap.Int("consecutive_losses", st.ConsecutiveLosses),
			zap.Time("until", until))
	}

	var sources []string
	if len(pos.SourcesUsed) > 0 {
		if err := json.Unmarshal(pos.SourcesUsed, &sources); err != nil {
			sources = nil
		}
	}
	if len(sources) > 0 {
		if err := e.Scorer.RecordOutcome(ctx, sources, trustOutcome); err != nil {
			return err
		}
	}

	e.Logger.Info("position resolved",
		zap.String("position_id", pos.ID),
		zap.String("outcome", pos.Outcome),
		zap.String("pnl", pos.PnL.String()),
		zap.String("balance", st.Balance.String()))
	return nil
}

// Snapshot returns the balance, phase and open positions for the query
// surface.
func (e *Engine) Snapshot(ctx context.Context) (*models.PortfolioState, []models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.State(ctx)
	if err != nil {
		return nil, nil, err
	}
	open, err := e.Repo.ListOpenPositions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return st, open, nil
}

func (e *Engine) snapshot(ctx context.Context, st *models.PortfolioState) error {
	open, err := e.Repo.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	committed := decimal.Zero
	for _, pos := range open {
		committed = committed.Add(pos.Size)
	}
	realized := st.Balance.Add(committed).Sub(decimal.NewFromFloat(e.Config.InitialBalance))
	return e.Repo.InsertPortfolioSnapshot(ctx, &models.PortfolioSnapshot{
		SnapshotAt:    e.now(),
		Balance:       st.Balance,
		PhaseID:       st.PhaseID,
		OpenPositions: len(open),
		RealizedPnL:   realized,
	})
}

// phaseFor picks the phase with the highest min_balance not exceeding the
// balance.
func (e *Engine) phaseFor(balance decimal.Decimal) config.PhaseConfig {
	phases := e.Config.Phases
	if len(phases) == 0 {
		phases = config.DefaultPhases()
	}
	bal, _ := balance.Float64()
	best := phases[0]
	for _, ph := range phases {
		if bal >= ph.MinBalance && ph.MinBalance >= best.MinBalance {
			best = ph
		}
	}
	return best
}

// rollDaily resets the daily counters when the UTC date advances. A loss
// halt therefore lasts for the remainder of the day, no longer.
func (e *Engine) rollDaily(st *models.PortfolioState) {
	today := dateOf(e.now())
	if st.DailyDate.Equal(today) {
		return
	}
	st.DailyDate = today
	st.DailyTradeCount = 0
	st.DailyRealizedLoss = decimal.Zero
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
