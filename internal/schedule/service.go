package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "schedule.service.new"
	opDue        = "schedule.due"
	opAdvance    = "schedule.advance"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists mining schedules around the pure calculator.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Due lists schedules whose next run is at or before now.
func (s *Service) Due(ctx context.Context, now time.Time) ([]MiningSchedule, error) {
	var schedules []MiningSchedule
	err := s.db.WithContext(ctx).
		Where("next_run_at_ms <= ?", now.UTC().UnixMilli()).
		Order("next_run_at_ms ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, newServiceError(opDue, "query_failed", err)
	}
	return schedules, nil
}

// Advance recomputes and persists a schedule's next run after a firing.
func (s *Service) Advance(ctx context.Context, scheduleID int64, firedAt time.Time) (time.Time, error) {
	var stored MiningSchedule
	err := s.db.WithContext(ctx).Where("id = ?", scheduleID).Take(&stored).Error
	if err != nil {
		return time.Time{}, newServiceError(opAdvance, "lookup_failed", err)
	}

	nextRunAt, err := ComputeNextRunAt(stored.nextRunInput(), firedAt)
	if err != nil {
		return time.Time{}, newServiceError(opAdvance, "compute_failed", err)
	}

	updateResult := s.db.WithContext(ctx).Model(&MiningSchedule{}).
		Where("id = ?", scheduleID).
		Update("next_run_at_ms", nextRunAt.UTC().UnixMilli())
	if updateResult.Error != nil {
		return time.Time{}, newServiceError(opAdvance, "update_failed", updateResult.Error)
	}

	s.logger.Info("schedule advanced",
		zap.Int64("schedule_id", scheduleID),
		zap.Time("next_run_at", nextRunAt))
	return nextRunAt, nil
}
