// Package rollback implements the Rollback Coordinator (§4.7):
// reverting a device's target state to old_tag, alone or across a
// whole batch/rollout, with bounded concurrency.
package rollback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
	"fleetd.sh/internal/rollout"
)

const defaultWorkers = 10

// TargetStateSetter is the subset of targetstate.Service the
// Coordinator needs to write old_tag back to a device.
type TargetStateSetter interface {
	SetImageForService(ctx context.Context, deviceUUID string, appID, serviceID int, newTag string) (newVersion int64, ok bool, err error)
}

// Coordinator reverts unhealthy or explicitly cancelled rollout rows.
type Coordinator struct {
	store     *rollout.Store
	targets   TargetStateSetter
	publisher events.Publisher
	workers   int
	logger    *slog.Logger
}

// New creates a Rollback Coordinator. workers <= 0 uses the spec
// default of 10 concurrent rollbacks.
func New(store *rollout.Store, targets TargetStateSetter, publisher events.Publisher, workers int) *Coordinator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Coordinator{
		store:     store,
		targets:   targets,
		publisher: publisher,
		workers:   workers,
		logger:    slog.Default().With("component", "rollback-coordinator"),
	}
}

// RollbackRow reverts a single device's target state to the rollout's
// old_tag, marks the row rolled_back, and refreshes rollout counters.
func (c *Coordinator) RollbackRow(ctx context.Context, rolloutID, deviceUUID string) error {
	r, err := c.store.Get(ctx, rolloutID)
	if err != nil {
		return err
	}
	row, err := c.store.Row(ctx, rolloutID, deviceUUID)
	if err != nil {
		return err
	}

	_, _, err = c.targets.SetImageForService(ctx, deviceUUID, row.AppID, row.ServiceID, r.OldTag)
	if err != nil {
		wrapped := ferrors.Wrap(err, ferrors.CodeRollbackRequired, "failed to write old tag back to device")
		if updateErr := c.store.UpdateRowStatus(ctx, rolloutID, deviceUUID, domain.RowFailed, time.Now(), wrapped.Error()); updateErr != nil {
			c.logger.Error("failed to mark row failed after rollback failure", "rollout_id", rolloutID, "device_uuid", deviceUUID, "error", updateErr)
		}
		return wrapped
	}

	if err := c.store.UpdateRowStatus(ctx, rolloutID, deviceUUID, domain.RowRolledBack, time.Now(), ""); err != nil {
		return err
	}
	if _, err := c.store.RefreshCounters(ctx, rolloutID); err != nil {
		return err
	}

	c.publisher.Publish(ctx, domain.DomainEvent{
		Type: "rollout.device_rolled_back", AggregateType: "device_rollout_row", AggregateID: rolloutID + ":" + deviceUUID,
		Data: map[string]any{"device_uuid": deviceUUID, "old_tag": r.OldTag},
	})
	return nil
}

// RollbackBatch reverts every row in a batch with bounded concurrency
// (default 10).
func (c *Coordinator) RollbackBatch(ctx context.Context, rolloutID string, batch int) error {
	rows, err := c.store.RowsInBatch(ctx, rolloutID, batch)
	if err != nil {
		return err
	}
	return c.rollbackRows(ctx, rolloutID, rows)
}

// RollbackRollout reverts every non-terminal row across the whole
// rollout and transitions the rollout itself to rolled_back.
func (c *Coordinator) RollbackRollout(ctx context.Context, rolloutID string) error {
	rows, err := c.store.Rows(ctx, rolloutID)
	if err != nil {
		return err
	}
	if err := c.rollbackRows(ctx, rolloutID, rows); err != nil {
		return err
	}
	return c.store.UpdateRolloutStatus(ctx, rolloutID, domain.RolloutRolledBack, nil, "rolled back by admin")
}

func (c *Coordinator) rollbackRows(ctx context.Context, rolloutID string, rows []*domain.DeviceRolloutRow) error {
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.RollbackRow(ctx, rolloutID, row.DeviceUUID); err != nil {
				c.logger.Error("rollback failed", "rollout_id", rolloutID, "device_uuid", row.DeviceUUID, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
