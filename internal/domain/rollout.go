package domain

import "time"

// RolloutStrategy selects how the Rollout Planner batches affected
// devices (§4.4).
type RolloutStrategy string

const (
	StrategyAuto      RolloutStrategy = "auto"
	StrategyStaged     RolloutStrategy = "staged"
	StrategyScheduled RolloutStrategy = "scheduled"
	StrategyManual    RolloutStrategy = "manual"
)

// RolloutStatus is the aggregate rollout state machine (§4.5).
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutInProgress RolloutStatus = "in_progress"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutCancelled  RolloutStatus = "cancelled"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// DeviceRowStatus is the per-device rollout row state machine (§4.5).
type DeviceRowStatus string

const (
	RowPending    DeviceRowStatus = "pending"
	RowScheduled  DeviceRowStatus = "scheduled"
	RowUpdated    DeviceRowStatus = "updated"
	RowHealthy    DeviceRowStatus = "healthy"
	RowUnhealthy  DeviceRowStatus = "unhealthy"
	RowFailed     DeviceRowStatus = "failed"
	RowRolledBack DeviceRowStatus = "rolled_back"
	RowSkipped    DeviceRowStatus = "skipped"
)

// IsTerminal reports whether the row will never transition again.
func (s DeviceRowStatus) IsTerminal() bool {
	switch s {
	case RowHealthy, RowRolledBack, RowFailed, RowSkipped:
		return true
	}
	return false
}

// RolloutCounters are derived from the bucket counts of a rollout's
// device rows; callers may cache them but must keep them consistent
// after every row transition (§4.5).
type RolloutCounters struct {
	Scheduled  int `json:"scheduled"`
	Updated    int `json:"updated"`
	Healthy    int `json:"healthy"`
	Unhealthy  int `json:"unhealthy"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
}

// Rollout is a planned, batched migration of a fleet from OldTag to
// NewTag for a single image.
type Rollout struct {
	ID                string
	ImageName         string
	OldTag            string
	NewTag            string
	Strategy          RolloutStrategy
	TotalBatches       int
	CurrentBatch      int
	Status            RolloutStatus
	Counters          RolloutCounters
	PolicyID          string
	CreatedAt         time.Time
	StartedAt         *time.Time
	LastBatchStartedAt *time.Time
	CompletedAt       *time.Time
	FailureReason     string
}

// IsActive reports whether the rollout still counts against the
// "at most one active rollout per image per device" invariant (§8.4).
func (r *Rollout) IsActive() bool {
	switch r.Status {
	case RolloutPending, RolloutInProgress, RolloutPaused:
		return true
	}
	return false
}

// DeviceRolloutRow is one (rollout, device) pairing (§3).
type DeviceRolloutRow struct {
	RolloutID      string
	DeviceUUID     string
	AppID          int
	ServiceID      int
	BatchNumber    int
	Status         DeviceRowStatus
	ScheduledAt    *time.Time
	UpdatedAt      *time.Time
	HealthCheckedAt *time.Time
	Error          string
}

// Policy is an UpdatePolicy (§3): the rule that drives a webhook's
// rollout creation.
type Policy struct {
	ID                 string
	ImagePattern       string
	Strategy           RolloutStrategy
	StagedBatches      int
	BatchPercentages   []int // optional explicit per-batch percentages, cumulative
	BatchDelay         time.Duration
	HealthCheckEnabled bool
	HealthCheckType    string // "http", "tcp", "container"
	HealthCheckConfig  map[string]any
	AutoRollback       bool
	MaxFailureRate     float64
	ConvergenceTimeout time.Duration
	Enabled            bool
	FleetID            string
	AllowedUUIDs       []string
	TagFilter          []string
}

// DomainEvent is an append-only audit record (§3). It is never the
// source of truth for a state transition.
type DomainEvent struct {
	ID            string
	Type          string
	AggregateType string
	AggregateID   string
	Data          map[string]any
	Timestamp     time.Time
	Source        string
}
