package leveling

// Job statuses. PENDING and LEASED are live; DONE and FAILED are terminal.
const (
	StatusPending = "PENDING"
	StatusLeased  = "LEASED"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Requirement kinds. A group qualifies when all of its requirements hold.
const (
	RequirementMinNodeAmount      = "MIN_NODE_AMOUNT"
	RequirementMinGroupSales      = "MIN_GROUP_SALES"
	RequirementMinDirectReferrals = "MIN_DIRECT_REFERRALS"
	RequirementMinDownlinesAtLvl  = "MIN_DOWNLINES_AT_LEVEL"
)

// Job is one level recalculation request. Created by the purchase path,
// mutated only by the worker; lease fields are meaningful while LEASED.
type Job struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	UserID           int64  `gorm:"not null;index:idx_level_jobs_user"`
	Status           string `gorm:"not null;default:PENDING;index:idx_level_jobs_status"`
	Reason           string
	Attempts         int   `gorm:"not null;default:0"`
	MaxAttempts      int   `gorm:"not null;default:3"`
	ScheduledAtMs    int64 `gorm:"not null;index:idx_level_jobs_scheduled"`
	LeaseOwner       string
	LeaseExpiresAtMs int64
	PayloadJSON      string
	LastError        string
	CreatedAtMs      int64
	UpdatedAtMs      int64
}

func (Job) TableName() string {
	return "level_recalc_jobs"
}

// JobPayload is the structural shape carried in Job.PayloadJSON.
type JobPayload struct {
	PurchaseAmountUSD string  `json:"purchase_amount_usd"`
	HistoryIDs        []int64 `json:"history_ids,omitempty"`
}

// WorkerConfig is the operational parameter row read at every cycle boundary.
// The worker never mutates it; operators edit the row and changes take effect
// at the next cycle.
type WorkerConfig struct {
	ConfigKey            string `gorm:"primaryKey"`
	Mode                 string
	IntervalMs           int64
	BatchSize            int
	FetchLimit           int
	StallMs              int64
	MaxAgeMs             int64
	MaxChainDepth        int
	HeartbeatEverySteps  int
	RescueGraceSec       int64
	BurstRuns            int
	StopAtUserID         int64
	LeaseExpiredSentinel string
	IsActive             bool `gorm:"not null"`
}

func (WorkerConfig) TableName() string {
	return "level_worker_configs"
}

// Policy is the active leveling ruleset. At most one active row is consulted.
type Policy struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	Name     string
	IsActive bool `gorm:"not null;default:false;index:idx_level_policies_active"`
}

func (Policy) TableName() string {
	return "level_policies"
}

// PolicyLevel defines one attainable level within a policy.
type PolicyLevel struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	PolicyID int64 `gorm:"not null;index:idx_policy_levels_policy"`
	Level    int   `gorm:"not null"`
}

func (PolicyLevel) TableName() string {
	return "level_policy_levels"
}

// RequirementGroup groups requirements under a level. A user reaches the
// level if any one group's requirements are all satisfied.
type RequirementGroup struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	PolicyLevelID int64 `gorm:"not null;index:idx_requirement_groups_level"`
}

func (RequirementGroup) TableName() string {
	return "level_requirement_groups"
}

// Requirement is a single threshold inside a group. Amount kinds read
// MinAmountUSD; count kinds read MinCount, and the downline kind additionally
// reads TargetLevel.
type Requirement struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	GroupID      int64  `gorm:"not null;index:idx_requirements_group"`
	Kind         string `gorm:"not null"`
	MinAmountUSD string
	MinCount     int
	TargetLevel  int
}

func (Requirement) TableName() string {
	return "level_requirements"
}
