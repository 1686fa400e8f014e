package leveling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uplinelabs/upline/backend/internal/money"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user id is required")
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
	opQueueNew = "leveling.queue.new"
	opEnqueue  = "leveling.enqueue"
	opGetJob   = "leveling.get_job"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultMaxAttempts = 3

type QueueConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue is the enqueue/read surface of the level recalculation job table.
// Processing lives on Worker.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Queue{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnqueueOptions carries the optional fields of a new job.
type EnqueueOptions struct {
	Reason      string
	MaxAttempts int
	// ScheduledAt defers eligibility; zero means eligible immediately.
	ScheduledAt time.Time
}

// Enqueue creates a PENDING job for userID. The payload's purchase amount
// must parse as a non-negative decimal; nothing beyond structural shape is
// validated here.
func (q *Queue) Enqueue(ctx context.Context, userID int64, payload JobPayload, opts EnqueueOptions) (Job, error) {
	if userID <= 0 {
		return Job{}, newServiceError(opEnqueue, "missing_user_id", errMissingUserID)
	}
	if _, err := money.ParseAmount(payload.PurchaseAmountUSD); err != nil {
		return Job{}, newServiceError(opEnqueue, "invalid_amount", err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, newServiceError(opEnqueue, "payload_encode_failed", err)
	}

	now := q.clock().UTC()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	job := Job{
		UserID:        userID,
		Status:        StatusPending,
		Reason:        opts.Reason,
		MaxAttempts:   maxAttempts,
		ScheduledAtMs: scheduledAt.UTC().UnixMilli(),
		PayloadJSON:   string(encoded),
		CreatedAtMs:   now.UnixMilli(),
		UpdatedAtMs:   now.UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return Job{}, newServiceError(opEnqueue, "insert_failed", err)
	}

	q.logger.Info("level recalc job enqueued",
		zap.Int64("job_id", job.ID),
		zap.Int64("user_id", userID),
		zap.String("reason", opts.Reason))
	return job, nil
}

// GetJob reads one job row for operator visibility.
func (q *Queue) GetJob(ctx context.Context, jobID int64) (Job, error) {
	var job Job
	err := q.db.WithContext(ctx).Where("id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, newServiceError(opGetJob, "not_found", err)
	}
	if err != nil {
		return Job{}, newServiceError(opGetJob, "query_failed", err)
	}
	return job, nil
}
