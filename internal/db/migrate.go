package db

import (
	"oddspipe/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.SourceHealthRecord{},
		&models.SourceTrustState{},
		&models.CanonicalMarket{},
		&models.ManualMapping{},
		&models.EdgeSignalRecord{},
		&models.Position{},
		&models.PortfolioState{},
		&models.PortfolioSnapshot{},
	)
}
