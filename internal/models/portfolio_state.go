package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioState is a singleton row (ID=1). All mutation goes through the
// portfolio engine's single-writer lock.
type PortfolioState struct {
	ID      uint64          `gorm:"primaryKey"`
	Balance decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	PhaseID string          `gorm:"type:varchar(30);not null"`

	DailyDate         time.Time       `gorm:"type:date;not null"`
	DailyTradeCount   int             `gorm:"not null;default:0"`
	DailyRealizedLoss decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	ConsecutiveLosses int        `gorm:"not null;default:0"`
	CooldownUntil     *time.Time `gorm:"type:timestamptz"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (PortfolioState) TableName() string {
	return "portfolio_state"
}
