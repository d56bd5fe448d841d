// Package policy implements CRUD for image update policies (§4.9,
// §6.4), the rules the Webhook Intake matches against to decide how a
// newly pushed tag should roll out.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// Store persists image update policies.
type Store struct {
	db *database.DB
}

// New creates a policy store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// ListEnabled returns every enabled policy, the candidate set for the
// Webhook Intake's glob match (§4.9).
func (s *Store) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM image_update_policies WHERE enabled = 1`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list policies")
	}
	defer rows.Close()

	var result []*domain.Policy
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan policy")
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Get returns a policy by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM image_update_policies WHERE id = ?`, id)
	p, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferrors.New(ferrors.CodeNotFound, "policy not found")
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to load policy")
	}
	return p, nil
}

// List returns every policy, enabled or not, for the admin surface.
func (s *Store) List(ctx context.Context) ([]*domain.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM image_update_policies ORDER BY created_at DESC`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to list policies")
	}
	defer rows.Close()

	var result []*domain.Policy
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to scan policy")
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Create persists a new policy.
func (s *Store) Create(ctx context.Context, p *domain.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Strategy == "" {
		p.Strategy = domain.StrategyAuto
	}
	if p.StagedBatches == 0 {
		p.StagedBatches = 3
	}
	if p.MaxFailureRate == 0 {
		p.MaxFailureRate = 0.2
	}
	if p.ConvergenceTimeout == 0 {
		p.ConvergenceTimeout = 15 * time.Minute
	}

	batchPct, err := json.Marshal(p.BatchPercentages)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode batch percentages")
	}
	healthCfg, err := json.Marshal(p.HealthCheckConfig)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode health check config")
	}
	allowedUUIDs, err := json.Marshal(p.AllowedUUIDs)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode allowed uuids")
	}
	tagFilter, err := json.Marshal(p.TagFilter)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode tag filter")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO image_update_policies (
			id, image_pattern, strategy, staged_batches, batch_percentages, batch_delay_seconds,
			health_check_enabled, health_check_type, health_check_config, auto_rollback,
			max_failure_rate, convergence_timeout_seconds, fleet_id, allowed_uuids, tag_filter,
			enabled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ImagePattern, p.Strategy, p.StagedBatches, string(batchPct), int(p.BatchDelay.Seconds()),
		p.HealthCheckEnabled, p.HealthCheckType, string(healthCfg), p.AutoRollback,
		p.MaxFailureRate, int(p.ConvergenceTimeout.Seconds()), p.FleetID, string(allowedUUIDs), string(tagFilter),
		p.Enabled, time.Now())
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to create policy")
	}
	return nil
}

// Update replaces a policy's mutable fields in place.
func (s *Store) Update(ctx context.Context, p *domain.Policy) error {
	batchPct, err := json.Marshal(p.BatchPercentages)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode batch percentages")
	}
	healthCfg, err := json.Marshal(p.HealthCheckConfig)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode health check config")
	}
	allowedUUIDs, err := json.Marshal(p.AllowedUUIDs)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode allowed uuids")
	}
	tagFilter, err := json.Marshal(p.TagFilter)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode tag filter")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE image_update_policies SET
			image_pattern = ?, strategy = ?, staged_batches = ?, batch_percentages = ?, batch_delay_seconds = ?,
			health_check_enabled = ?, health_check_type = ?, health_check_config = ?, auto_rollback = ?,
			max_failure_rate = ?, convergence_timeout_seconds = ?, fleet_id = ?, allowed_uuids = ?, tag_filter = ?,
			enabled = ?
		WHERE id = ?
	`, p.ImagePattern, p.Strategy, p.StagedBatches, string(batchPct), int(p.BatchDelay.Seconds()),
		p.HealthCheckEnabled, p.HealthCheckType, string(healthCfg), p.AutoRollback,
		p.MaxFailureRate, int(p.ConvergenceTimeout.Seconds()), p.FleetID, string(allowedUUIDs), string(tagFilter),
		p.Enabled, p.ID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to update policy")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read update result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "policy not found")
	}
	return nil
}

// Delete removes a policy.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_update_policies WHERE id = ?`, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to delete policy")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "failed to read delete result")
	}
	if affected == 0 {
		return ferrors.New(ferrors.CodeNotFound, "policy not found")
	}
	return nil
}

const columns = `
	id, image_pattern, strategy, staged_batches, batch_percentages, batch_delay_seconds,
	health_check_enabled, health_check_type, health_check_config, auto_rollback,
	max_failure_rate, convergence_timeout_seconds, fleet_id, allowed_uuids, tag_filter, enabled
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(s rowScanner) (*domain.Policy, error) {
	var p domain.Policy
	var strategy string
	var batchPct, healthCfg, allowedUUIDs, tagFilter string
	var batchDelaySec, convergenceSec int

	err := s.Scan(
		&p.ID, &p.ImagePattern, &strategy, &p.StagedBatches, &batchPct, &batchDelaySec,
		&p.HealthCheckEnabled, &p.HealthCheckType, &healthCfg, &p.AutoRollback,
		&p.MaxFailureRate, &convergenceSec, &p.FleetID, &allowedUUIDs, &tagFilter, &p.Enabled,
	)
	if err != nil {
		return nil, err
	}
	p.Strategy = domain.RolloutStrategy(strategy)
	p.BatchDelay = time.Duration(batchDelaySec) * time.Second
	p.ConvergenceTimeout = time.Duration(convergenceSec) * time.Second

	if err := json.Unmarshal([]byte(batchPct), &p.BatchPercentages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(healthCfg), &p.HealthCheckConfig); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(allowedUUIDs), &p.AllowedUUIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagFilter), &p.TagFilter); err != nil {
		return nil, err
	}
	return &p, nil
}
