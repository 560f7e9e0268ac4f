package models

import "time"

// ManualMapping is a curated override binding a source instrument to a
// canonical market. Manual mappings are long-lived config, unlike fuzzy
// matches which only live for one cycle.
type ManualMapping struct {
	ID                  uint64 `gorm:"primaryKey;autoIncrement"`
	SourceID            string `gorm:"type:varchar(50);not null;uniqueIndex:idx_manual_mapping_key"`
	SourceInstrumentKey string `gorm:"type:varchar(200);not null;uniqueIndex:idx_manual_mapping_key"`
	CanonicalMarketID   string `gorm:"type:varchar(100);not null;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (ManualMapping) TableName() string {
	return "manual_mappings"
}
