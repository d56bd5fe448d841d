package rollout

import (
	"context"
	"log/slog"
	"time"

	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
	"fleetd.sh/internal/policy"
)

// TargetStateSetter is the subset of targetstate.Service the Monitor
// needs to activate a batch.
type TargetStateSetter interface {
	SetImageForService(ctx context.Context, deviceUUID string, appID, serviceID int, newTag string) (newVersion int64, ok bool, err error)
}

// HealthEvaluator runs the Health Evaluator over a rollout's
// not-yet-checked `updated` rows. Implemented by healthcheck.Evaluator.
type HealthEvaluator interface {
	EvaluateRollout(ctx context.Context, rolloutID string, pol *domain.Policy) error
}

// RollbackCoordinator reverts unhealthy rows. Implemented by
// rollback.Coordinator.
type RollbackCoordinator interface {
	RollbackRow(ctx context.Context, rolloutID, deviceUUID string) error
}

// Lock is a single-instance advisory lock (§5: "database-level
// advisory lock named rollout-monitor"), implemented by
// internal/lock over Redis SET NX PX.
type Lock interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// MonitorConfig names the advisory lock each tick takes and how long
// it is held.
type MonitorConfig struct {
	LockName string
	LockTTL  time.Duration
}

// Monitor is the periodic driver that advances every active rollout
// through its batches (§4.8).
type Monitor struct {
	store      *Store
	policies   *policy.Store
	targets    TargetStateSetter
	health     HealthEvaluator
	rollback   RollbackCoordinator
	publisher  events.Publisher
	lock       Lock
	config     MonitorConfig
	logger     *slog.Logger
}

// NewMonitor creates a Rollout Monitor.
func NewMonitor(store *Store, policies *policy.Store, targets TargetStateSetter, health HealthEvaluator, rollback RollbackCoordinator, publisher events.Publisher, lock Lock, config MonitorConfig) *Monitor {
	if config.LockName == "" {
		config.LockName = "rollout-monitor"
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	return &Monitor{
		store:     store,
		policies:  policies,
		targets:   targets,
		health:    health,
		rollback:  rollback,
		publisher: publisher,
		lock:      lock,
		config:    config,
		logger:    slog.Default().With("component", "rollout-monitor"),
	}
}

// Tick runs one pass over every active rollout. It acquires the
// single-instance lock for the duration of the pass; if another
// instance holds it, Tick returns immediately without error.
func (m *Monitor) Tick(ctx context.Context) error {
	release, ok, err := m.lock.TryAcquire(ctx, m.config.LockName, m.config.LockTTL)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to acquire monitor lock")
	}
	if !ok {
		m.logger.Debug("monitor lock held elsewhere, skipping tick")
		return nil
	}
	defer release()

	rollouts, err := m.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, r := range rollouts {
		if err := m.tickRollout(ctx, r); err != nil {
			m.logger.Error("rollout tick failed", "rollout_id", r.ID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) tickRollout(ctx context.Context, r *domain.Rollout) error {
	pol, err := m.policies.Get(ctx, r.PolicyID)
	if err != nil {
		pol = &domain.Policy{}
	}

	// Step 1: auto-start pending rollouts for auto/staged strategies.
	// scheduled and manual rollouts are not auto-started here.
	if r.Status == domain.RolloutPending {
		if r.Strategy != domain.StrategyAuto && r.Strategy != domain.StrategyStaged {
			return nil
		}
		batch := 1
		if err := m.store.UpdateRolloutStatus(ctx, r.ID, domain.RolloutInProgress, &batch, ""); err != nil {
			return err
		}
		r.Status = domain.RolloutInProgress
		r.CurrentBatch = batch
		if err := m.activateBatch(ctx, r, batch); err != nil {
			return err
		}
		m.publisher.Publish(ctx, domain.DomainEvent{
			Type: "rollout.started", AggregateType: "rollout", AggregateID: r.ID,
		})
	}

	if r.Status != domain.RolloutInProgress {
		return nil
	}
	return m.tickBatch(ctx, r, pol)
}

func (m *Monitor) tickBatch(ctx context.Context, r *domain.Rollout, pol *domain.Policy) error {
	batch := r.CurrentBatch
	rows, err := m.store.RowsInBatch(ctx, r.ID, batch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	timedOut, err := m.applyConvergenceTimeouts(ctx, r, pol, rows)
	if err != nil {
		return err
	}
	if timedOut {
		// Loop: re-evaluate completeness next tick now that rows moved.
		return nil
	}

	if !batchComplete(rows) {
		return nil
	}

	// Batch complete. Run any outstanding health checks first.
	if pol.HealthCheckEnabled {
		hasUnchecked := false
		for _, row := range rows {
			if row.Status == domain.RowUpdated && row.HealthCheckedAt == nil {
				hasUnchecked = true
				break
			}
		}
		if hasUnchecked {
			if err := m.health.EvaluateRollout(ctx, r.ID, pol); err != nil {
				return err
			}
			if pol.AutoRollback {
				if err := m.autoRollbackUnhealthy(ctx, r.ID, batch); err != nil {
					return err
				}
			}
			// Loop: re-evaluate completeness next tick now that rows moved.
			return nil
		}
	} else {
		// Health checks disabled by policy: `updated` rows convert
		// directly to `healthy` (§4.6 "Skipped").
		advanced := false
		for _, row := range rows {
			if row.Status != domain.RowUpdated {
				continue
			}
			if err := m.store.UpdateRowStatus(ctx, r.ID, row.DeviceUUID, domain.RowHealthy, time.Now(), ""); err != nil {
				return err
			}
			advanced = true
		}
		if advanced {
			// Loop: re-evaluate completeness next tick now that rows moved.
			return nil
		}
	}

	counters, err := m.store.RefreshCounters(ctx, r.ID)
	if err != nil {
		return err
	}

	if paused, err := m.applyFailureRateGuard(ctx, r, pol, counters); err != nil || paused {
		return err
	}

	if batch < r.TotalBatches {
		if r.LastBatchStartedAt != nil && time.Since(*r.LastBatchStartedAt) < pol.BatchDelay {
			return nil
		}
		nextBatch := batch + 1
		if err := m.store.UpdateRolloutStatus(ctx, r.ID, domain.RolloutInProgress, &nextBatch, ""); err != nil {
			return err
		}
		if err := m.store.BumpLastBatchStarted(ctx, r.ID, time.Now()); err != nil {
			return err
		}
		r.CurrentBatch = nextBatch
		return m.activateBatch(ctx, r, nextBatch)
	}

	if err := m.store.UpdateRolloutStatus(ctx, r.ID, domain.RolloutCompleted, nil, ""); err != nil {
		return err
	}
	m.publisher.Publish(ctx, domain.DomainEvent{
		Type: "rollout.completed", AggregateType: "rollout", AggregateID: r.ID,
	})
	return nil
}

const defaultConvergenceTimeout = 15 * time.Minute

// convergenceTimeout resolves the policy's configured convergence
// window, defaulting to 15 minutes (SPEC_FULL §5).
func convergenceTimeout(pol *domain.Policy) time.Duration {
	if pol.ConvergenceTimeout > 0 {
		return pol.ConvergenceTimeout
	}
	return defaultConvergenceTimeout
}

// applyConvergenceTimeouts fails any row still `scheduled` past
// scheduled_at + the policy's convergence timeout: the device never
// reported reaching new_tag, so it cannot be allowed to block the
// batch forever (§4.5 scheduled --(timeout exceeded)--> failed,
// invariant 7). Rows that time out are rolled back too when the
// policy requests auto_rollback. Reports whether any row timed out.
func (m *Monitor) applyConvergenceTimeouts(ctx context.Context, r *domain.Rollout, pol *domain.Policy, rows []*domain.DeviceRolloutRow) (bool, error) {
	timeout := convergenceTimeout(pol)
	now := time.Now()
	timedOut := false

	for _, row := range rows {
		if row.Status != domain.RowScheduled || row.ScheduledAt == nil {
			continue
		}
		if now.Sub(*row.ScheduledAt) < timeout {
			continue
		}
		timedOut = true

		if err := m.store.UpdateRowStatus(ctx, r.ID, row.DeviceUUID, domain.RowFailed, now, "convergence timeout exceeded"); err != nil {
			return timedOut, err
		}
		m.publisher.Publish(ctx, domain.DomainEvent{
			Type: "rollout.device_convergence_timeout", AggregateType: "device_rollout_row", AggregateID: r.ID + ":" + row.DeviceUUID,
			Data: map[string]any{"device_uuid": row.DeviceUUID},
		})

		if pol.AutoRollback {
			if err := m.rollback.RollbackRow(ctx, r.ID, row.DeviceUUID); err != nil {
				m.logger.Error("auto-rollback after convergence timeout failed", "rollout_id", r.ID, "device_uuid", row.DeviceUUID, "error", err)
			}
		}
	}
	return timedOut, nil
}

// batchComplete reports whether every row in a batch has reached a
// terminal-for-this-phase state (§4.8 step 3).
func batchComplete(rows []*domain.DeviceRolloutRow) bool {
	for _, row := range rows {
		switch row.Status {
		case domain.RowHealthy, domain.RowRolledBack, domain.RowFailed, domain.RowSkipped:
		default:
			return false
		}
	}
	return true
}

func (m *Monitor) autoRollbackUnhealthy(ctx context.Context, rolloutID string, batch int) error {
	rows, err := m.store.RowsInBatch(ctx, rolloutID, batch)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status != domain.RowUnhealthy {
			continue
		}
		if err := m.rollback.RollbackRow(ctx, rolloutID, row.DeviceUUID); err != nil {
			m.logger.Error("auto-rollback failed", "rollout_id", rolloutID, "device_uuid", row.DeviceUUID, "error", err)
		}
	}
	return nil
}

// applyFailureRateGuard computes failure_rate = (failed + rolled_back)
// / devices_processed_so_far and pauses the rollout if it exceeds
// policy.max_failure_rate (§4.7, strict `>`).
func (m *Monitor) applyFailureRateGuard(ctx context.Context, r *domain.Rollout, pol *domain.Policy, c domain.RolloutCounters) (paused bool, err error) {
	processed := c.Healthy + c.Unhealthy + c.Failed + c.RolledBack + c.Updated
	if processed == 0 {
		return false, nil
	}
	maxRate := pol.MaxFailureRate
	if maxRate == 0 {
		maxRate = 0.2
	}
	failureRate := float64(c.Failed+c.RolledBack) / float64(processed)
	if failureRate <= maxRate {
		return false, nil
	}

	if err := m.store.UpdateRolloutStatus(ctx, r.ID, domain.RolloutPaused, nil, "failure rate exceeded"); err != nil {
		return false, err
	}
	m.publisher.Publish(ctx, domain.DomainEvent{
		Type: "rollout.paused", AggregateType: "rollout", AggregateID: r.ID,
		Data: map[string]any{"failure_rate": failureRate, "max_failure_rate": maxRate},
	})
	return true, nil
}

// activateBatch implements §4.8 step 4: for each pending row in the
// batch, write the new tag via the Target State Service and mark the
// row scheduled.
func (m *Monitor) activateBatch(ctx context.Context, r *domain.Rollout, batch int) error {
	rows, err := m.store.RowsInBatch(ctx, r.ID, batch)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, row := range rows {
		if row.Status != domain.RowPending {
			continue
		}
		_, ok, err := m.targets.SetImageForService(ctx, row.DeviceUUID, row.AppID, row.ServiceID, r.NewTag)
		if err != nil {
			m.logger.Error("failed to activate device in batch", "rollout_id", r.ID, "device_uuid", row.DeviceUUID, "error", err)
			continue
		}
		if !ok {
			// Service no longer updatable; treat as failed for this device.
			if err := m.store.UpdateRowStatus(ctx, r.ID, row.DeviceUUID, domain.RowFailed, now, "target service is not updatable"); err != nil {
				m.logger.Error("failed to mark row failed", "rollout_id", r.ID, "device_uuid", row.DeviceUUID, "error", err)
			}
			continue
		}
		if err := m.store.UpdateRowStatus(ctx, r.ID, row.DeviceUUID, domain.RowScheduled, now, ""); err != nil {
			m.logger.Error("failed to mark row scheduled", "rollout_id", r.ID, "device_uuid", row.DeviceUUID, "error", err)
		}
	}
	return nil
}
