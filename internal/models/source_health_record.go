package models

import "time"

const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// SourceHealthRecord is the durable per-source reliability state. It is owned
// by the fetch controller; nothing else writes it.
type SourceHealthRecord struct {
	SourceID            string     `gorm:"primaryKey;type:varchar(50)"`
	LastSuccessAt       *time.Time `gorm:"type:timestamptz"`
	LastFailureAt       *time.Time `gorm:"type:timestamptz"`
	ConsecutiveFailures int        `gorm:"not null;default:0"`
	AvgLatencyMs        float64    `gorm:"not null;default:0"`
	CircuitState        string     `gorm:"type:varchar(20);not null;default:'closed'"`
	CooldownUntil       *time.Time `gorm:"type:timestamptz"`
	LastError           *string    `gorm:"type:text"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (SourceHealthRecord) TableName() string {
	return "source_health_records"
}
