package split

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

	// ErrNoActivePolicy is returned when no usable active policy exists.
	// A row carrying out-of-range percentages is treated the same as an
	// absent row; callers must not apply clamped values.
	ErrNoActivePolicy = errors.New("no active split policy")
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
	opServiceNew   = "split.service.new"
	opActivePolicy = "split.active_policy"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads the active split policy; the waterfall itself stays pure.
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

// ActivePolicy returns the single active policy, or ErrNoActivePolicy when
// the row is absent or carries invalid percentages.
func (s *Service) ActivePolicy(ctx context.Context) (PurchaseSplitPolicy, error) {
	var policy PurchaseSplitPolicy
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id DESC").
		Take(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PurchaseSplitPolicy{}, newServiceError(opActivePolicy, "absent", ErrNoActivePolicy)
	}
	if err != nil {
		return PurchaseSplitPolicy{}, newServiceError(opActivePolicy, "query_failed", err)
	}
	if !policy.Valid() {
		s.logger.Warn("active split policy carries out-of-range percentages",
			zap.Int64("policy_id", policy.ID))
		return PurchaseSplitPolicy{}, newServiceError(opActivePolicy, "invalid_percentages", ErrNoActivePolicy)
	}
	return policy, nil
}
