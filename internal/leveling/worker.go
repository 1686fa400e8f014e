package leveling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uplinelabs/upline/backend/internal/money"
	"github.com/uplinelabs/upline/backend/internal/referral"
)

// Worker run modes.
const (
	ModeOnce = "once"
	ModeLoop = "loop"
)

// DefaultConfigKey selects the operational parameter row when none is
// configured explicitly.
const DefaultConfigKey = "level-worker"

const defaultLeaseExpiredSentinel = "level worker lease expired"

// retryBackoffBase spaces retry attempts; attempt n is rescheduled
// n × base into the future.
const retryBackoffBase = 30 * time.Second

// ErrLeaseExpired signals that the worker lost its lease mid-walk, typically
// because the rescue sweep reclaimed the job. The job must not be mutated
// further by the loser.
var ErrLeaseExpired = errors.New("lease expired")

var errMissingGraph = errors.New("referral graph service is required")

const (
	opWorkerNew   = "leveling.worker.new"
	opLoadConfig  = "leveling.load_config"
	opClaim       = "leveling.claim"
	opProcess     = "leveling.process"
	opHeartbeat   = "leveling.heartbeat"
	opRescue      = "leveling.rescue"
	opLoadPolicy  = "leveling.load_policy"
	opMetrics     = "leveling.collect_metrics"
	opUpdateLevel = "leveling.update_level"
	opFinalizeJob = "leveling.finalize_job"
)

type WorkerOptions struct {
	Database *gorm.DB
	Graph    *referral.Service
	Clock    func() time.Time
	Logger   *zap.Logger
	// WorkerID identifies this process as a lease owner; defaults to a
	// fresh UUID.
	WorkerID  string
	ConfigKey string
}

// Worker claims PENDING jobs, walks referral ancestor chains, and recomputes
// levels against the active policy. Multiple workers may run against the same
// job table; exclusivity comes from the conditional status update alone.
type Worker struct {
	db        *gorm.DB
	graph     *referral.Service
	clock     func() time.Time
	logger    *zap.Logger
	workerID  string
	configKey string
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Database == nil {
		return nil, newServiceError(opWorkerNew, "missing_database", errMissingDatabase)
	}
	if opts.Graph == nil {
		return nil, newServiceError(opWorkerNew, "missing_graph", errMissingGraph)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = noOpLogger
	}

	workerID := strings.TrimSpace(opts.WorkerID)
	if workerID == "" {
		workerID = uuid.NewString()
	}

	configKey := strings.TrimSpace(opts.ConfigKey)
	if configKey == "" {
		configKey = DefaultConfigKey
	}

	return &Worker{
		db:        opts.Database,
		graph:     opts.Graph,
		clock:     clock,
		logger:    logger,
		workerID:  workerID,
		configKey: configKey,
	}, nil
}

// WorkerID returns the lease owner identity of this worker.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// LoadConfig reads the operational parameter row, falling back to defaults
// when the row is absent or carries zero values. Called at every cycle
// boundary so operator edits take effect without a restart.
func (w *Worker) LoadConfig(ctx context.Context) (WorkerConfig, error) {
	cfg := WorkerConfig{ConfigKey: w.configKey, IsActive: true}
	err := w.db.WithContext(ctx).Where("config_key = ?", w.configKey).Take(&cfg).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkerConfig{}, newServiceError(opLoadConfig, "query_failed", err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = WorkerConfig{ConfigKey: w.configKey, IsActive: true}
	}
	return normalizeConfig(cfg), nil
}

func normalizeConfig(cfg WorkerConfig) WorkerConfig {
	if cfg.Mode != ModeOnce && cfg.Mode != ModeLoop {
		cfg.Mode = ModeLoop
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 5000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FetchLimit < cfg.BatchSize {
		cfg.FetchLimit = cfg.BatchSize * 5
	}
	if cfg.StallMs <= 0 {
		cfg.StallMs = 60000
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = 15
	}
	if cfg.HeartbeatEverySteps <= 0 {
		cfg.HeartbeatEverySteps = 5
	}
	if cfg.RescueGraceSec <= 0 {
		cfg.RescueGraceSec = 30
	}
	if cfg.BurstRuns <= 0 {
		cfg.BurstRuns = 1
	}
	if strings.TrimSpace(cfg.LeaseExpiredSentinel) == "" {
		cfg.LeaseExpiredSentinel = defaultLeaseExpiredSentinel
	}
	return cfg
}

// RunLoop repeats fetch-claim-process cycles until ctx is cancelled, pausing
// IntervalMs between cycles that found no eligible jobs. Busy cycles repeat
// immediately. Config and rescue run at every cycle boundary.
func (w *Worker) RunLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		cfg, err := w.LoadConfig(ctx)
		if err != nil {
			w.logger.Error("worker config load failed", zap.Error(err))
			if sleepErr := w.sleep(ctx, 5*time.Second); sleepErr != nil {
				return nil
			}
			continue
		}

		processed := 0
		if cfg.IsActive {
			if _, err := w.RescueStalled(ctx, cfg); err != nil {
				w.logger.Error("rescue sweep failed", zap.Error(err))
			}
			processed, err = w.RunCycle(ctx, cfg)
			if err != nil {
				w.logger.Error("worker cycle failed", zap.Error(err))
			}
		}

		if processed == 0 {
			if err := w.sleep(ctx, time.Duration(cfg.IntervalMs)*time.Millisecond); err != nil {
				return nil
			}
		}
	}
}

// RunBurst executes a fixed number of fetch-claim-process cycles then stops.
func (w *Worker) RunBurst(ctx context.Context, runs int) error {
	if runs <= 0 {
		runs = 1
	}
	for i := 0; i < runs; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		cfg, err := w.LoadConfig(ctx)
		if err != nil {
			return err
		}
		if !cfg.IsActive {
			return nil
		}
		if _, err := w.RescueStalled(ctx, cfg); err != nil {
			w.logger.Error("rescue sweep failed", zap.Error(err))
		}
		if _, err := w.RunCycle(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunCycle claims up to BatchSize eligible jobs and processes each, returning
// the number of jobs claimed.
func (w *Worker) RunCycle(ctx context.Context, cfg WorkerConfig) (int, error) {
	claimed, err := w.ClaimBatch(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	levels, err := w.loadPolicyLevels(ctx)
	if err != nil {
		return 0, err
	}

	for _, job := range claimed {
		if err := w.processJob(ctx, cfg, job, levels); err != nil {
			w.logger.Error("job processing failed terminally",
				zap.Int64("job_id", job.ID),
				zap.Error(err))
		}
	}
	return len(claimed), nil
}

// ClaimBatch scans up to FetchLimit eligible PENDING jobs oldest-first and
// leases at most BatchSize of them. Each claim is a compare-and-swap on the
// status column; a concurrent worker losing the swap simply skips the row.
func (w *Worker) ClaimBatch(ctx context.Context, cfg WorkerConfig) ([]Job, error) {
	now := w.clock().UTC()

	var candidates []Job
	err := w.db.WithContext(ctx).
		Where("status = ? AND scheduled_at_ms <= ?", StatusPending, now.UnixMilli()).
		Order("scheduled_at_ms ASC").
		Limit(cfg.FetchLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, newServiceError(opClaim, "scan_failed", err)
	}

	claimed := make([]Job, 0, cfg.BatchSize)
	for _, candidate := range candidates {
		if len(claimed) >= cfg.BatchSize {
			break
		}
		leaseExpiry := now.Add(time.Duration(cfg.StallMs) * time.Millisecond).UnixMilli()
		claimResult := w.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ?", candidate.ID, StatusPending).
			Updates(map[string]any{
				"status":              StatusLeased,
				"lease_owner":         w.workerID,
				"lease_expires_at_ms": leaseExpiry,
				"updated_at_ms":       now.UnixMilli(),
			})
		if claimResult.Error != nil {
			return nil, newServiceError(opClaim, "cas_failed", claimResult.Error)
		}
		if claimResult.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		candidate.Status = StatusLeased
		candidate.LeaseOwner = w.workerID
		candidate.LeaseExpiresAtMs = leaseExpiry
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}

// processJob walks the ancestor chain of the job's user and recomputes each
// visited level. Errors route into the retry/fail path; a lost lease leaves
// the job to whoever reclaimed it.
func (w *Worker) processJob(ctx context.Context, cfg WorkerConfig, job Job, levels []LevelSpec) error {
	now := w.clock().UTC()

	if cfg.MaxAgeMs > 0 && now.UnixMilli()-job.ScheduledAtMs > cfg.MaxAgeMs {
		w.logger.Warn("job expired before processing",
			zap.Int64("job_id", job.ID),
			zap.Int64("scheduled_at_ms", job.ScheduledAtMs))
		return w.finalizeJob(ctx, job, StatusFailed, "expired: scheduled_at exceeded max age")
	}

	if job.PayloadJSON != "" {
		var payload JobPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return w.retryOrFail(ctx, cfg, job, newServiceError(opProcess, "payload_decode_failed", err))
		}
		if _, err := money.ParseAmount(payload.PurchaseAmountUSD); err != nil {
			return w.retryOrFail(ctx, cfg, job, newServiceError(opProcess, "invalid_amount", err))
		}
	}

	chain, err := w.graph.AncestorChain(ctx, job.UserID, cfg.MaxChainDepth, cfg.StopAtUserID)
	if err != nil {
		return w.retryOrFail(ctx, cfg, job, err)
	}

	steps := 0
	for _, userID := range chain {
		if err := w.recomputeUserLevel(ctx, userID, levels); err != nil {
			if w.isLeaseExpired(cfg, err) {
				return nil
			}
			return w.retryOrFail(ctx, cfg, job, err)
		}
		steps++
		if steps%cfg.HeartbeatEverySteps == 0 {
			if err := w.heartbeat(ctx, cfg, &job); err != nil {
				if w.isLeaseExpired(cfg, err) {
					w.logger.Warn("lease lost mid-walk, abandoning job",
						zap.Int64("job_id", job.ID),
						zap.Int("steps", steps))
					return nil
				}
				return w.retryOrFail(ctx, cfg, job, err)
			}
		}
	}

	return w.finalizeJob(ctx, job, StatusDone, "")
}

func (w *Worker) isLeaseExpired(cfg WorkerConfig, err error) bool {
	if errors.Is(err, ErrLeaseExpired) {
		return true
	}
	return cfg.LeaseExpiredSentinel != "" && strings.Contains(err.Error(), cfg.LeaseExpiredSentinel)
}

// heartbeat renews the lease so long chain walks do not trip the rescue
// sweep. The renewal is conditional on still owning the lease; losing it
// means the rescue path already reclaimed the job.
func (w *Worker) heartbeat(ctx context.Context, cfg WorkerConfig, job *Job) error {
	now := w.clock().UTC()
	leaseExpiry := now.Add(time.Duration(cfg.StallMs) * time.Millisecond).UnixMilli()
	renewResult := w.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", job.ID, StatusLeased, w.workerID).
		Updates(map[string]any{
			"lease_expires_at_ms": leaseExpiry,
			"updated_at_ms":       now.UnixMilli(),
		})
	if renewResult.Error != nil {
		return newServiceError(opHeartbeat, "renew_failed", renewResult.Error)
	}
	if renewResult.RowsAffected == 0 {
		return newServiceError(opHeartbeat, "lease_lost",
			errors.Join(ErrLeaseExpired, errors.New(cfg.LeaseExpiredSentinel)))
	}
	job.LeaseExpiresAtMs = leaseExpiry
	return nil
}

// finalizeJob moves a job we still own into a terminal state.
func (w *Worker) finalizeJob(ctx context.Context, job Job, status, lastError string) error {
	now := w.clock().UTC()
	result := w.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", job.ID, StatusLeased, w.workerID).
		Updates(map[string]any{
			"status":        status,
			"last_error":    lastError,
			"updated_at_ms": now.UnixMilli(),
		})
	if result.Error != nil {
		return newServiceError(opFinalizeJob, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		// Rescued out from under us; the reclaimer owns the outcome.
		return nil
	}
	if status == StatusDone {
		w.logger.Info("job completed", zap.Int64("job_id", job.ID))
	} else {
		w.logger.Warn("job failed", zap.Int64("job_id", job.ID), zap.String("last_error", lastError))
	}
	return nil
}

// retryOrFail increments attempts and either reschedules the job with a
// forward-shifted eligibility or fails it terminally at MaxAttempts.
func (w *Worker) retryOrFail(ctx context.Context, cfg WorkerConfig, job Job, cause error) error {
	now := w.clock().UTC()
	attempts := job.Attempts + 1

	updates := map[string]any{
		"attempts":            attempts,
		"lease_owner":         "",
		"lease_expires_at_ms": 0,
		"last_error":          cause.Error(),
		"updated_at_ms":       now.UnixMilli(),
	}
	if attempts >= job.MaxAttempts {
		updates["status"] = StatusFailed
	} else {
		updates["status"] = StatusPending
		updates["scheduled_at_ms"] = now.Add(time.Duration(attempts) * retryBackoffBase).UnixMilli()
	}

	result := w.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", job.ID, StatusLeased, w.workerID).
		Updates(updates)
	if result.Error != nil {
		return newServiceError(opFinalizeJob, "retry_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	w.logger.Warn("job attempt failed",
		zap.Int64("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(cause))
	if attempts >= job.MaxAttempts {
		return cause
	}
	return nil
}

// RescueStalled reclaims LEASED jobs whose lease expired longer than the
// grace window ago. The grace buffer tolerates clock skew and transient
// pauses of an otherwise healthy worker. Returns the number of jobs
// reclaimed.
func (w *Worker) RescueStalled(ctx context.Context, cfg WorkerConfig) (int, error) {
	now := w.clock().UTC()
	cutoff := now.UnixMilli() - cfg.RescueGraceSec*1000

	var stalled []Job
	err := w.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at_ms < ?", StatusLeased, cutoff).
		Find(&stalled).Error
	if err != nil {
		return 0, newServiceError(opRescue, "scan_failed", err)
	}

	rescued := 0
	for _, job := range stalled {
		attempts := job.Attempts + 1
		updates := map[string]any{
			"attempts":            attempts,
			"lease_owner":         "",
			"lease_expires_at_ms": 0,
			"updated_at_ms":       now.UnixMilli(),
		}
		if attempts >= job.MaxAttempts {
			updates["status"] = StatusFailed
			updates["last_error"] = "rescued after stalled lease; attempts exhausted"
		} else {
			updates["status"] = StatusPending
			updates["last_error"] = "rescued after stalled lease"
		}

		// CAS on the observed expiry so a heartbeat racing the sweep wins.
		reclaimResult := w.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ? AND lease_expires_at_ms = ?", job.ID, StatusLeased, job.LeaseExpiresAtMs).
			Updates(updates)
		if reclaimResult.Error != nil {
			return rescued, newServiceError(opRescue, "cas_failed", reclaimResult.Error)
		}
		if reclaimResult.RowsAffected == 0 {
			continue
		}
		rescued++
		w.logger.Warn("stalled job rescued",
			zap.Int64("job_id", job.ID),
			zap.String("former_owner", job.LeaseOwner),
			zap.Int("attempts", attempts))
	}
	return rescued, nil
}

// recomputeUserLevel evaluates the active policy against a fresh metric
// snapshot and widens the stored level when a higher one is satisfied. The
// update is guarded so it never narrows a concurrently widened level.
func (w *Worker) recomputeUserLevel(ctx context.Context, userID int64, levels []LevelSpec) error {
	if len(levels) == 0 {
		return nil
	}

	var user referral.User
	err := w.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Edge rows can reference users the CRUD layer has not
		// materialized yet; nothing to recompute.
		return nil
	}
	if err != nil {
		return newServiceError(opUpdateLevel, "user_lookup_failed", err)
	}

	metrics, err := w.collectMetrics(ctx, user)
	if err != nil {
		return err
	}

	next := EvaluateLevel(user.Level, metrics, levels)
	if next <= user.Level {
		return nil
	}

	updateResult := w.db.WithContext(ctx).Model(&referral.User{}).
		Where("id = ? AND level < ?", userID, next).
		Update("level", next)
	if updateResult.Error != nil {
		return newServiceError(opUpdateLevel, "update_failed", updateResult.Error)
	}
	if updateResult.RowsAffected > 0 {
		w.logger.Info("user level widened",
			zap.Int64("user_id", userID),
			zap.Int("from", user.Level),
			zap.Int("to", next))
	}
	return nil
}

type downlineLevelRow struct {
	Level      int
	LevelCount int
}

func (w *Worker) collectMetrics(ctx context.Context, user referral.User) (UserMetrics, error) {
	directCount, err := w.graph.DirectReferralCount(ctx, user.ID)
	if err != nil {
		return UserMetrics{}, err
	}

	var rows []downlineLevelRow
	err = w.db.WithContext(ctx).Model(&referral.User{}).
		Select("referral_users.level AS level, COUNT(*) AS level_count").
		Joins("JOIN referral_edges ON referral_edges.child_user_id = referral_users.id").
		Where("referral_edges.parent_user_id = ?", user.ID).
		Group("referral_users.level").
		Scan(&rows).Error
	if err != nil {
		return UserMetrics{}, newServiceError(opMetrics, "downline_query_failed", err)
	}

	levelCounts := make(map[int]int, len(rows))
	for _, row := range rows {
		levelCounts[row.Level] = row.LevelCount
	}

	return UserMetrics{
		NodeAmountUSD:       money.ParseAmountOrZero(user.NodeAmountUSD),
		GroupSalesUSD:       money.ParseAmountOrZero(user.GroupSalesUSD),
		DirectReferrals:     int(directCount),
		DownlineLevelCounts: levelCounts,
	}, nil
}

// loadPolicyLevels flattens the active policy into evaluator input. Absent
// policy rows disable recomputation rather than failing jobs.
func (w *Worker) loadPolicyLevels(ctx context.Context) ([]LevelSpec, error) {
	var policy Policy
	err := w.db.WithContext(ctx).Where("is_active = ?", true).Order("id DESC").Take(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opLoadPolicy, "policy_query_failed", err)
	}

	var policyLevels []PolicyLevel
	if err := w.db.WithContext(ctx).Where("policy_id = ?", policy.ID).Find(&policyLevels).Error; err != nil {
		return nil, newServiceError(opLoadPolicy, "levels_query_failed", err)
	}
	if len(policyLevels) == 0 {
		return nil, nil
	}

	levelIDs := make([]int64, 0, len(policyLevels))
	for _, level := range policyLevels {
		levelIDs = append(levelIDs, level.ID)
	}

	var groups []RequirementGroup
	if err := w.db.WithContext(ctx).Where("policy_level_id IN ?", levelIDs).Find(&groups).Error; err != nil {
		return nil, newServiceError(opLoadPolicy, "groups_query_failed", err)
	}
	groupIDs := make([]int64, 0, len(groups))
	for _, group := range groups {
		groupIDs = append(groupIDs, group.ID)
	}

	var requirements []Requirement
	if len(groupIDs) > 0 {
		if err := w.db.WithContext(ctx).Where("group_id IN ?", groupIDs).Find(&requirements).Error; err != nil {
			return nil, newServiceError(opLoadPolicy, "requirements_query_failed", err)
		}
	}

	requirementsByGroup := make(map[int64][]Requirement, len(groups))
	for _, requirement := range requirements {
		requirementsByGroup[requirement.GroupID] = append(requirementsByGroup[requirement.GroupID], requirement)
	}
	groupsByLevel := make(map[int64][][]Requirement, len(policyLevels))
	for _, group := range groups {
		groupsByLevel[group.PolicyLevelID] = append(groupsByLevel[group.PolicyLevelID], requirementsByGroup[group.ID])
	}

	specs := make([]LevelSpec, 0, len(policyLevels))
	for _, level := range policyLevels {
		specs = append(specs, LevelSpec{Level: level.Level, Groups: groupsByLevel[level.ID]})
	}
	return specs, nil
}
