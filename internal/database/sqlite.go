package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uplinelabs/upline/backend/internal/leveling"
	"github.com/uplinelabs/upline/backend/internal/referral"
	"github.com/uplinelabs/upline/backend/internal/schedule"
	"github.com/uplinelabs/upline/backend/internal/split"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&referral.User{},
		&referral.Edge{},
		&referral.CenterLink{},
		&leveling.Job{},
		&leveling.WorkerConfig{},
		&leveling.Policy{},
		&leveling.PolicyLevel{},
		&leveling.RequirementGroup{},
		&leveling.Requirement{},
		&schedule.MiningSchedule{},
		&split.PurchaseSplitPolicy{},
	)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
