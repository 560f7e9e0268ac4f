package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	PositionOpen     = "open"
	PositionResolved = "resolved"
	PositionRotated  = "rotated"

	OutcomePending = "pending"
	OutcomeWin     = "win"
	OutcomeLoss    = "loss"
	OutcomeVoid    = "void"
)

type Position struct {
	ID                string `gorm:"primaryKey;type:varchar(40)"`
	CanonicalMarketID string `gorm:"type:varchar(100);not null;index"`
	Side              string `gorm:"type:varchar(10);not null"`

	EntryPrice decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Size       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Shares     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	EntryEdge  float64         `gorm:"not null"`

	SourcesUsed datatypes.JSON `gorm:"type:jsonb"`

	Status  string `gorm:"type:varchar(20);not null;default:'open';index"`
	Outcome string `gorm:"type:varchar(20);not null;default:'pending'"`

	PnL decimal.Decimal `gorm:"column:pnl;type:numeric(30,10);not null;default:0"`

	OpenedAt  time.Time  `gorm:"type:timestamptz;not null;index"`
	ClosedAt  *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Position) TableName() string {
	return "positions"
}
