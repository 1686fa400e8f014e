package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uplinelabs/upline/backend/internal/leveling"
	"github.com/uplinelabs/upline/backend/internal/money"
	"github.com/uplinelabs/upline/backend/internal/referral"
	"github.com/uplinelabs/upline/backend/internal/schedule"
	"github.com/uplinelabs/upline/backend/internal/split"
)

var (
	errMissingReferralService = errors.New("referral service dependency required")
	errMissingQueue           = errors.New("leveling queue dependency required")
	errMissingSplitService    = errors.New("split service dependency required")
	errMissingScheduleService = errors.New("schedule service dependency required")
	errMissingOperatorKey     = errors.New("operator key required")
)

type Dependencies struct {
	Referral    *referral.Service
	Queue       *leveling.Queue
	Splits      *split.Service
	Schedules   *schedule.Service
	Logger      *zap.Logger
	OperatorKey string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Referral == nil {
		return nil, errMissingReferralService
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Splits == nil {
		return nil, errMissingSplitService
	}
	if deps.Schedules == nil {
		return nil, errMissingScheduleService
	}
	if strings.TrimSpace(deps.OperatorKey) == "" {
		return nil, errMissingOperatorKey
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Operator-Key"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		referral:    deps.Referral,
		queue:       deps.Queue,
		splits:      deps.Splits,
		schedules:   deps.Schedules,
		logger:      logger,
		operatorKey: deps.OperatorKey,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api/v1")
	api.Use(handler.authorizeOperator)
	api.POST("/jobs", handler.handleEnqueueJob)
	api.GET("/jobs/:id", handler.handleGetJob)
	api.POST("/users", handler.handleAttachSponsor)
	api.POST("/centers/:id/rebuild", handler.handleRebuild)
	api.GET("/centers/:id/links", handler.handleCenterLinks)
	api.GET("/splits/active", handler.handleActiveSplit)
	api.POST("/splits/compute", handler.handleComputeSplit)
	api.POST("/schedules/:id/advance", handler.handleAdvanceSchedule)

	return router, nil
}

type httpHandler struct {
	referral    *referral.Service
	queue       *leveling.Queue
	splits      *split.Service
	schedules   *schedule.Service
	logger      *zap.Logger
	operatorKey string
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	provided := c.GetHeader("X-Operator-Key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.operatorKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequestPayload struct {
	UserID            int64   `json:"user_id"`
	Reason            string  `json:"reason"`
	PurchaseAmountUSD string  `json:"purchase_amount_usd"`
	HistoryIDs        []int64 `json:"history_ids,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
}

type jobResponsePayload struct {
	JobID         int64  `json:"job_id"`
	UserID        int64  `json:"user_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	ScheduledAtMs int64  `json:"scheduled_at_ms"`
	LastError     string `json:"last_error,omitempty"`
}

func jobResponse(job leveling.Job) jobResponsePayload {
	return jobResponsePayload{
		JobID:         job.ID,
		UserID:        job.UserID,
		Status:        job.Status,
		Reason:        job.Reason,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		ScheduledAtMs: job.ScheduledAtMs,
		LastError:     job.LastError,
	}
}

func (h *httpHandler) handleEnqueueJob(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	payload := leveling.JobPayload{
		PurchaseAmountUSD: request.PurchaseAmountUSD,
		HistoryIDs:        request.HistoryIDs,
	}
	job, err := h.queue.Enqueue(c.Request.Context(), request.UserID, payload, leveling.EnqueueOptions{
		Reason:      request.Reason,
		MaxAttempts: request.MaxAttempts,
	})
	if err != nil {
		h.logger.Warn("job enqueue rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "enqueue_failed"})
		return
	}

	c.JSON(http.StatusCreated, jobResponse(job))
}

func (h *httpHandler) handleGetJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_job_id"})
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

type attachSponsorPayload struct {
	SponsorUserID int64 `json:"sponsor_user_id"`
	UserID        int64 `json:"user_id"`
}

func (h *httpHandler) handleAttachSponsor(c *gin.Context) {
	var request attachSponsorPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SponsorUserID <= 0 || request.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	edge, err := h.referral.AttachSponsor(c.Request.Context(), request.SponsorUserID, request.UserID)
	if errors.Is(err, referral.ErrAlreadySponsored) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_sponsored"})
		return
	}
	if err != nil {
		h.logger.Warn("sponsor attach rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "attach_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sponsor_user_id": edge.ParentUserID,
		"user_id":         edge.ChildUserID,
	})
}

func (h *httpHandler) handleRebuild(c *gin.Context) {
	centerUserID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || centerUserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_center_id"})
		return
	}

	result, err := h.referral.Rebuild(c.Request.Context(), centerUserID)
	if err != nil {
		h.logger.Error("center rebuild failed", zap.Int64("center_user_id", centerUserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"created_count": result.CreatedCount})
}

type centerLinkPayload struct {
	UserID   int64 `json:"user_id"`
	Distance int   `json:"distance"`
	Rank     int   `json:"rank"`
}

func (h *httpHandler) handleCenterLinks(c *gin.Context) {
	centerUserID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || centerUserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_center_id"})
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	links, err := h.referral.CenterLinks(c.Request.Context(), centerUserID, offset, limit)
	if err != nil {
		h.logger.Error("center link listing failed", zap.Int64("center_user_id", centerUserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	response := make([]centerLinkPayload, 0, len(links))
	for _, link := range links {
		response = append(response, centerLinkPayload{
			UserID:   link.UserID,
			Distance: link.Distance,
			Rank:     link.Rank,
		})
	}
	c.JSON(http.StatusOK, gin.H{"links": response})
}

func (h *httpHandler) handleActiveSplit(c *gin.Context) {
	policy, err := h.splits.ActivePolicy(c.Request.Context())
	if errors.Is(err, split.ErrNoActivePolicy) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_policy"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policy_id":   policy.ID,
		"base_pct":    policy.BasePct.String(),
		"ref_pct":     policy.RefPct.String(),
		"center_pct":  policy.CenterPct.String(),
		"level_pct":   policy.LevelPct.String(),
		"company_pct": policy.CompanyPct.String(),
	})
}

type computeSplitPayload struct {
	PurchaseAmountUSD string `json:"purchase_amount_usd"`
}

func (h *httpHandler) handleComputeSplit(c *gin.Context) {
	var request computeSplitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	purchase, err := money.ParseAmount(request.PurchaseAmountUSD)
	if err != nil {
		// Negative purchases are structurally valid input to the
		// waterfall; they simply produce zero pools.
		parsed, parseErr := decimal.NewFromString(strings.TrimSpace(request.PurchaseAmountUSD))
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
			return
		}
		purchase = parsed
	}

	policy, err := h.splits.ActivePolicy(c.Request.Context())
	if errors.Is(err, split.ErrNoActivePolicy) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_policy"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy_read_failed"})
		return
	}

	result := split.Compute(policy, purchase)
	c.JSON(http.StatusOK, gin.H{
		"base_usd":     result.BaseUSD.String(),
		"referral_usd": result.ReferralUSD.String(),
		"center_usd":   result.CenterUSD.String(),
		"level_usd":    result.LevelUSD.String(),
		"company_usd":  result.CompanyUSD.String(),
	})
}

func (h *httpHandler) handleAdvanceSchedule(c *gin.Context) {
	scheduleID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schedule_id"})
		return
	}

	nextRunAt, err := h.schedules.Advance(c.Request.Context(), scheduleID, time.Now())
	if err != nil {
		h.logger.Warn("schedule advance failed", zap.Int64("schedule_id", scheduleID), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "advance_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"next_run_at_ms": nextRunAt.UTC().UnixMilli()})
}
