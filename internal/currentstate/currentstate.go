// Package currentstate stores each device's self-reported runtime
// state (§3, §4.2): the apps it's actually running and host telemetry.
package currentstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/ferrors"
)

// Store reads and writes device_current_state rows.
type Store struct {
	db *database.DB
}

// New creates a current state store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Get returns a device's stored current state, or a zero-value state
// if the device has never reported.
func (s *Store) Get(ctx context.Context, deviceUUID string) (*domain.CurrentState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT apps, system_info, reported_at FROM device_current_state WHERE device_uuid = ?
	`, deviceUUID)

	var appsRaw, sysInfoRaw string
	var reportedAt time.Time
	err := row.Scan(&appsRaw, &sysInfoRaw, &reportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.CurrentState{DeviceUUID: deviceUUID, Apps: map[int][]domain.ServiceStatus{}}, nil
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to load current state")
	}

	cs := &domain.CurrentState{DeviceUUID: deviceUUID, ReportedAt: reportedAt}
	if err := json.Unmarshal([]byte(appsRaw), &cs.Apps); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to decode current state apps")
	}
	if cs.Apps == nil {
		cs.Apps = map[int][]domain.ServiceStatus{}
	}
	if err := json.Unmarshal([]byte(sysInfoRaw), &cs.SystemInfo); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to decode current state system_info")
	}
	return cs, nil
}

// ApplyReport merges an inbound device report onto the stored current
// state per the partial-update invariant and persists the result.
func (s *Store) ApplyReport(ctx context.Context, deviceUUID string, apps map[int][]domain.ServiceStatus, hasApps bool, sysInfo *domain.SystemInfo, at time.Time) (*domain.CurrentState, error) {
	current, err := s.Get(ctx, deviceUUID)
	if err != nil {
		return nil, err
	}
	current.Merge(apps, hasApps, sysInfo, at)

	appsJSON, err := json.Marshal(current.Apps)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode current state apps")
	}
	sysInfoJSON, err := json.Marshal(current.SystemInfo)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to encode current state system_info")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_current_state (device_uuid, apps, system_info, reported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_uuid) DO UPDATE SET
			apps = excluded.apps, system_info = excluded.system_info, reported_at = excluded.reported_at
	`, deviceUUID, string(appsJSON), string(sysInfoJSON), at)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to persist current state")
	}
	return current, nil
}
