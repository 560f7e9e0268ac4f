package models

import (
	"time"

	"gorm.io/datatypes"
)

// CanonicalMarket is the system-of-record instrument that source quotes are
// matched against. YesPrice is the observed market price for the YES side;
// the NO side is its complement.
type CanonicalMarket struct {
	ID        string         `gorm:"primaryKey;type:varchar(100)"`
	Title     string         `gorm:"type:text;not null"`
	EventType string         `gorm:"type:varchar(50);index"`
	Entities  datatypes.JSON `gorm:"type:jsonb"`
	YesPrice  float64        `gorm:"not null;default:0"`
	Active    bool           `gorm:"not null;default:true;index"`

	LastActivityAt time.Time `gorm:"type:timestamptz;index"`
	CreatedAt      time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (CanonicalMarket) TableName() string {
	return "canonical_markets"
}
