package models

import (
	"time"

	"gorm.io/datatypes"
)

// EdgeSignalRecord is the append-only history row for a detected edge.
// The live ranked view is whatever the latest detection cycle produced.
type EdgeSignalRecord struct {
	ID                uint64         `gorm:"primaryKey;autoIncrement"`
	CanonicalMarketID string         `gorm:"type:varchar(100);not null;index"`
	Side              string         `gorm:"type:varchar(10);not null"`
	TrueProb          float64        `gorm:"not null"`
	MarketPrice       float64        `gorm:"not null"`
	Edge              float64        `gorm:"not null;index"`
	Confidence        float64        `gorm:"not null"`
	SourcesUsed       datatypes.JSON `gorm:"type:jsonb"`
	DataAgeSeconds    int            `gorm:"not null"`

	DetectedAt time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt  time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (EdgeSignalRecord) TableName() string {
	return "edge_signals"
}
