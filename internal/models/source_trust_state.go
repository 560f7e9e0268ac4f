package models

import "time"

// SourceTrustState accumulates resolved outcomes per source. Counts are
// monotonic; there is no decay window.
type SourceTrustState struct {
	SourceID        string  `gorm:"primaryKey;type:varchar(50)"`
	Wins            int     `gorm:"not null;default:0"`
	Losses          int     `gorm:"not null;default:0"`
	SmoothedWinRate float64 `gorm:"not null;default:0"`
	TrustMultiplier float64 `gorm:"not null;default:1"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (SourceTrustState) TableName() string {
	return "source_trust_states"
}
