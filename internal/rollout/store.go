// Package rollout implements the Rollout Planner, the persisted
// Rollout/DeviceRolloutRow store, and the periodic Monitor that drives
// a rollout through its batches (§4.4, §4.5, §4.8).
package rollout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// Store persists Rollouts and their per-device rows.
type Store struct {
	db *database.DB
}

// NewStore creates a rollout store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// FindActiveByImageAndTag implements the webhook idempotency check
// (§4.9, §8.4): at most one active rollout per (image, new_tag).
func (s *Store) FindActiveByImageAndTag(ctx context.Context, imageName, newTag string) (*domain.Rollout, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rolloutColumns+`
		FROM image_rollouts
		WHERE image_name = ? AND new_tag = ? AND status IN ('pending', 'in_progress', 'paused')
		ORDER BY created_at DESC LIMIT 1
	`, imageName, newTag)
	r, err := scanRollout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to look up active rollout")
	}
	return r, nil
}

// Create persists a new rollout plan along with its device rows in
// one transaction.
func (s *Store) Create(ctx context.Context, r *domain.Rollout, rows []*domain.DeviceRolloutRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now()
	if r.Status == "" {
		r.Status = domain.RolloutPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO image_rollouts (
			rollout_id, image_name, old_tag, new_tag, strategy, policy_id,
			total_batches, current_batch, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ImageName, r.OldTag, r.NewTag, r.Strategy, r.PolicyID, r.TotalBatches, r.CurrentBatch, r.Status, r.CreatedAt)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to insert rollout")
	}

	for _, row := range rows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_rollout_status (rollout_id, device_uuid, app_id, service_id, batch_number, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, row.DeviceUUID, row.AppID, row.ServiceID, row.BatchNumber, domain.RowPending)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CodeInternal, "failed to insert device rollout row")
		}
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to commit rollout creation")
	}
	return nil
}

// Get returns a rollout by id.
func (s *Store) Get(ctx context.Context, rolloutID string) (*domain.Rollout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM image_rollouts WHERE rollout_id = ?`, rolloutID)
	r, err := scanRollout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.New(ferrors.CodeNotFound, "rollout not found")
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to load rollout")
	}
	return r, nil
}

// List returns rollouts ordered by most recently created first.
func (s *Store) List(ctx context.Context, limit, offset int32) ([]*domain.Rollout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rolloutColumns+` FROM image_rollouts ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list rollouts")
	}
	defer rows.Close()

	var result []*domain.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan rollout")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListActive returns every rollout in {pending, in_progress}, the set
// the Monitor ticks over (§4.8).
func (s *Store) ListActive(ctx context.Context) ([]*domain.Rollout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rolloutColumns+` FROM image_rollouts WHERE status IN ('pending', 'in_progress')
	`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list active rollouts")
	}
	defer rows.Close()

	var result []*domain.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan rollout")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Rows returns every device row for a rollout.
func (s *Store) Rows(ctx context.Context, rolloutID string) ([]*domain.DeviceRolloutRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM device_rollout_status WHERE rollout_id = ?
	`, rolloutID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list device rollout rows")
	}
	defer rows.Close()
	return scanRows(rows)
}

// RowsInBatch returns a rollout's device rows restricted to one batch.
func (s *Store) RowsInBatch(ctx context.Context, rolloutID string, batch int) ([]*domain.DeviceRolloutRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM device_rollout_status WHERE rollout_id = ? AND batch_number = ?
	`, rolloutID, batch)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list batch rows")
	}
	defer rows.Close()
	return scanRows(rows)
}

// ListUpdatedUnchecked returns rows awaiting a health check.
func (s *Store) ListUpdatedUnchecked(ctx context.Context, rolloutID string) ([]*domain.DeviceRolloutRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM device_rollout_status
		WHERE rollout_id = ? AND status = 'updated' AND health_checked_at IS NULL
	`, rolloutID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list unchecked rows")
	}
	defer rows.Close()
	return scanRows(rows)
}

// Row returns a single device's row within a rollout.
func (s *Store) Row(ctx context.Context, rolloutID, deviceUUID string) (*domain.DeviceRolloutRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rowColumns+` FROM device_rollout_status WHERE rollout_id = ? AND device_uuid = ?
	`, rolloutID, deviceUUID)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.New(ferrors.CodeNotFound, "device rollout row not found")
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to load device rollout row")
	}
	return r, nil
}

// ActiveScheduledRowsForDevice returns every row where this device is
// `scheduled` in a still-active rollout — used by the Reconciliation
// Endpoint to detect convergence on ReportCurrentState (§4.2).
func (s *Store) ActiveScheduledRowsForDevice(ctx context.Context, deviceUUID string) ([]*domain.DeviceRolloutRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drs.rollout_id, drs.device_uuid, drs.app_id, drs.service_id, drs.batch_number, drs.status,
			drs.scheduled_at, drs.updated_at, drs.health_checked_at, drs.error
		FROM device_rollout_status drs
		JOIN image_rollouts ir ON ir.rollout_id = drs.rollout_id
		WHERE drs.device_uuid = ? AND drs.status = 'scheduled'
			AND ir.status IN ('pending', 'in_progress')
	`, deviceUUID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list scheduled rows for device")
	}
	defer rows.Close()
	return scanRows(rows)
}

// UpdateRowStatus transitions a single row, stamping the appropriate
// timestamp column for the new status.
func (s *Store) UpdateRowStatus(ctx context.Context, rolloutID, deviceUUID string, status domain.DeviceRowStatus, at time.Time, errMsg string) error {
	var column string
	switch status {
	case domain.RowScheduled:
		column = "scheduled_at"
	case domain.RowUpdated:
		column = "updated_at"
	case domain.RowHealthy, domain.RowUnhealthy:
		column = "health_checked_at"
	default:
		column = ""
	}

	query := `UPDATE device_rollout_status SET status = ?, error = ?`
	args := []any{status, errMsg}
	if column != "" {
		query += `, ` + column + ` = ?`
		args = append(args, at)
	}
	query += ` WHERE rollout_id = ? AND device_uuid = ?`
	args = append(args, rolloutID, deviceUUID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to update device rollout row")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "device rollout row not found")
	}
	return nil
}

// CASRowStatus transitions a row only if it's currently in fromStatus,
// used for idempotent transitions driven by retried device reports.
func (s *Store) CASRowStatus(ctx context.Context, rolloutID, deviceUUID string, fromStatus, toStatus domain.DeviceRowStatus, at time.Time) (bool, error) {
	var column string
	switch toStatus {
	case domain.RowUpdated:
		column = "updated_at"
	case domain.RowHealthy, domain.RowUnhealthy:
		column = "health_checked_at"
	}

	query := `UPDATE device_rollout_status SET status = ?`
	args := []any{toStatus}
	if column != "" {
		query += `, ` + column + ` = ?`
		args = append(args, at)
	}
	query += ` WHERE rollout_id = ? AND device_uuid = ? AND status = ?`
	args = append(args, rolloutID, deviceUUID, fromStatus)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.CodeInternal, "failed to CAS device rollout row")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.CodeInternal, "failed to read CAS result")
	}
	return affected > 0, nil
}

// UpdateRolloutStatus transitions the rollout's aggregate status,
// validating against the state machine (§4.5). current_batch and the
// timestamp columns are updated as appropriate for the target status.
func (s *Store) UpdateRolloutStatus(ctx context.Context, rolloutID string, status domain.RolloutStatus, currentBatch *int, reason string) error {
	now := time.Now()
	set := []string{"status = ?"}
	args := []any{status}

	if currentBatch != nil {
		set = append(set, "current_batch = ?")
		args = append(args, *currentBatch)
	}
	switch status {
	case domain.RolloutInProgress:
		set = append(set, "started_at = COALESCE(started_at, ?)", "last_batch_started_at = ?")
		args = append(args, now, now)
	case domain.RolloutCompleted, domain.RolloutFailed, domain.RolloutCancelled, domain.RolloutRolledBack:
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}
	if reason != "" {
		set = append(set, "failure_reason = ?")
		args = append(args, reason)
	}

	query := "UPDATE image_rollouts SET " + join(set, ", ") + " WHERE rollout_id = ?"
	args = append(args, rolloutID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to update rollout status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "rollout not found")
	}
	return nil
}

// BumpLastBatchStarted stamps last_batch_started_at to now, used when
// activating a new batch so the Monitor can enforce batch_delay.
func (s *Store) BumpLastBatchStarted(ctx context.Context, rolloutID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE image_rollouts SET last_batch_started_at = ? WHERE rollout_id = ?`, at, rolloutID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to bump last batch started")
	}
	return nil
}

// RefreshCounters recomputes and persists the rollout's bucket
// counters from its device rows.
func (s *Store) RefreshCounters(ctx context.Context, rolloutID string) (domain.RolloutCounters, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN status = 'scheduled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'updated' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'healthy' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'unhealthy' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'rolled_back' THEN 1 ELSE 0 END)
		FROM device_rollout_status WHERE rollout_id = ?
	`, rolloutID)

	var c domain.RolloutCounters
	var scheduled, updatedN, healthy, unhealthy, failed, rolledBack sql.NullInt64
	if err := row.Scan(&scheduled, &updatedN, &healthy, &unhealthy, &failed, &rolledBack); err != nil {
		return c, ferrors.Wrap(err, ferrors.CodeInternal, "failed to compute rollout counters")
	}
	c = domain.RolloutCounters{
		Scheduled: int(scheduled.Int64), Updated: int(updatedN.Int64), Healthy: int(healthy.Int64),
		Unhealthy: int(unhealthy.Int64), Failed: int(failed.Int64), RolledBack: int(rolledBack.Int64),
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE image_rollouts SET
			scheduled_count = ?, updated_count = ?, healthy_count = ?,
			unhealthy_count = ?, failed_count = ?, rolled_back_count = ?
		WHERE rollout_id = ?
	`, c.Scheduled, c.Updated, c.Healthy, c.Unhealthy, c.Failed, c.RolledBack, rolloutID)
	if err != nil {
		return c, ferrors.Wrap(err, ferrors.CodeInternal, "failed to persist rollout counters")
	}
	return c, nil
}

const rolloutColumns = `
	rollout_id, image_name, old_tag, new_tag, strategy, policy_id,
	total_batches, current_batch, status,
	scheduled_count, updated_count, healthy_count, unhealthy_count, failed_count, rolled_back_count,
	failure_reason, created_at, started_at, last_batch_started_at, completed_at
`

const rowColumns = `rollout_id, device_uuid, app_id, service_id, batch_number, status, scheduled_at, updated_at, health_checked_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRollout(s rowScanner) (*domain.Rollout, error) {
	var r domain.Rollout
	var status string
	var started, lastBatch, completed sql.NullTime

	err := s.Scan(
		&r.ID, &r.ImageName, &r.OldTag, &r.NewTag, &r.Strategy, &r.PolicyID,
		&r.TotalBatches, &r.CurrentBatch, &status,
		&r.Counters.Scheduled, &r.Counters.Updated, &r.Counters.Healthy,
		&r.Counters.Unhealthy, &r.Counters.Failed, &r.Counters.RolledBack,
		&r.FailureReason, &r.CreatedAt, &started, &lastBatch, &completed,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RolloutStatus(status)
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if lastBatch.Valid {
		r.LastBatchStartedAt = &lastBatch.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func scanRows(rows *sql.Rows) ([]*domain.DeviceRolloutRow, error) {
	var result []*domain.DeviceRolloutRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRow(s rowScanner) (*domain.DeviceRolloutRow, error) {
	var r domain.DeviceRolloutRow
	var status string
	var scheduledAt, updatedAt, healthCheckedAt sql.NullTime

	err := s.Scan(&r.RolloutID, &r.DeviceUUID, &r.AppID, &r.ServiceID, &r.BatchNumber, &status, &scheduledAt, &updatedAt, &healthCheckedAt, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = domain.DeviceRowStatus(status)
	if scheduledAt.Valid {
		r.ScheduledAt = &scheduledAt.Time
	}
	if updatedAt.Valid {
		r.UpdatedAt = &updatedAt.Time
	}
	if healthCheckedAt.Valid {
		r.HealthCheckedAt = &healthCheckedAt.Time
	}
	return &r, nil
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
