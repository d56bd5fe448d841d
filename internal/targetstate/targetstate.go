// Package targetstate implements the Target State Service (§4.1): the
// authoritative store of what a device should be running, with
// ETag-stable canonical serialization and optimistic-concurrency
// writes.
package targetstate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/ferrors"
)

// maxRetries bounds the optimistic-concurrency retry loop on version
// conflicts (§5, Open Question #3: bounded retry, conflict surfaced on
// exhaustion).
const maxRetries = 3

// Service reads and writes device target state documents.
type Service struct {
	db        *database.DB
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Target State Service.
func New(db *database.DB, publisher events.Publisher) *Service {
	return &Service{
		db:        db,
		publisher: publisher,
		logger:    slog.Default().With("component", "target-state"),
	}
}

// ETag returns the SHA-256 hex digest of a document's canonical
// encoding. Equal documents always produce equal ETags (§3).
func ETag(ts *domain.TargetState) (string, error) {
	canonical, err := ts.MarshalCanonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns a device's current target state document and its ETag.
func (s *Service) Get(ctx context.Context, deviceUUID string) (*domain.TargetState, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT apps, config, version, updated_at FROM device_target_state WHERE device_uuid = ?
	`, deviceUUID)

	ts, err := scanTargetState(deviceUUID, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ferrors.New(ferrors.CodeNotFound, "target state not found for device "+deviceUUID)
		}
		return nil, "", ferrors.Wrap(err, ferrors.CodeInternal, "failed to load target state")
	}

	etag, err := ETag(ts)
	if err != nil {
		return nil, "", ferrors.Wrap(err, ferrors.CodeInternal, "failed to compute etag")
	}
	return ts, etag, nil
}

// Update replaces the apps/config of a device's target state. If the
// resulting document's canonical encoding is unchanged, this is a
// no-op: no version bump, no event (§4.1, "idempotent no-op under
// identical resubmission").
func (s *Service) Update(ctx context.Context, deviceUUID string, newApps map[int]*domain.App, newConfig map[string]any) (int64, error) {
	var newVersion int64

	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := s.loadForUpdate(ctx, deviceUUID)
		if err != nil {
			return 0, err
		}

		candidate := current.Clone()
		candidate.Apps = newApps
		candidate.Config = newConfig

		currentCanon, err := current.MarshalCanonical()
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to marshal current state")
		}
		candidateCanon, err := candidate.MarshalCanonical()
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to marshal candidate state")
		}
		if string(currentCanon) == string(candidateCanon) {
			return current.Version, nil
		}

		appsJSON, err := candidate.MarshalAppsJSON()
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to marshal apps")
		}
		configJSON, err := candidate.MarshalConfigJSON()
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to marshal config")
		}

		nextVersion := current.Version + 1
		etag, err := ETag(candidate)
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to compute etag")
		}
		affected, err := s.upsert(ctx, deviceUUID, string(appsJSON), string(configJSON), nextVersion, etag, current.Version)
		if err != nil {
			return 0, ferrors.Wrap(err, ferrors.CodeInternal, "failed to update target state")
		}
		if !affected {
			// Lost the race against a concurrent writer; retry against
			// the freshly-reloaded version.
			continue
		}

		newVersion = nextVersion
		s.publisher.Publish(ctx, domain.DomainEvent{
			Type:          "target_state.updated",
			AggregateType: "device",
			AggregateID:   deviceUUID,
			Data: map[string]any{
				"old_version": current.Version,
				"new_version": nextVersion,
			},
		})
		return newVersion, nil
	}

	return 0, ferrors.New(ferrors.CodeConflict, "target state update conflict: exhausted retries for device "+deviceUUID)
}

// SetImageForService rewrites a single service's image reference,
// preserving whichever field(s) it was originally populated from. If
// the service has no image field, ok is false and the caller should
// treat this as the service-not-updatable case (§4.1).
func (s *Service) SetImageForService(ctx context.Context, deviceUUID string, appID, serviceID int, newTag string) (newVersion int64, ok bool, err error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, loadErr := s.loadForUpdate(ctx, deviceUUID)
		if loadErr != nil {
			return 0, false, loadErr
		}

		svc, found := current.FindService(appID, serviceID)
		if !found {
			return 0, false, ferrors.New(ferrors.CodeNotFound, "service not found in target state")
		}
		repo := svc.Image.Repository
		if !svc.SetImage(repo, newTag) {
			return 0, false, nil
		}

		appsJSON, marshalErr := current.MarshalAppsJSON()
		if marshalErr != nil {
			return 0, false, ferrors.Wrap(marshalErr, ferrors.CodeInternal, "failed to marshal apps")
		}
		configJSON, marshalErr := current.MarshalConfigJSON()
		if marshalErr != nil {
			return 0, false, ferrors.Wrap(marshalErr, ferrors.CodeInternal, "failed to marshal config")
		}

		nextVersion := current.Version + 1
		etag, etagErr := ETag(current)
		if etagErr != nil {
			return 0, false, ferrors.Wrap(etagErr, ferrors.CodeInternal, "failed to compute etag")
		}
		affected, execErr := s.upsert(ctx, deviceUUID, string(appsJSON), string(configJSON), nextVersion, etag, current.Version)
		if execErr != nil {
			return 0, false, ferrors.Wrap(execErr, ferrors.CodeInternal, "failed to update target state")
		}
		if !affected {
			continue
		}

		s.publisher.Publish(ctx, domain.DomainEvent{
			Type:          "target_state.image_set",
			AggregateType: "device",
			AggregateID:   deviceUUID,
			Data: map[string]any{
				"app_id":     appID,
				"service_id": serviceID,
				"new_tag":    newTag,
			},
		})
		return nextVersion, true, nil
	}

	return 0, false, ferrors.New(ferrors.CodeConflict, "target state update conflict: exhausted retries for device "+deviceUUID)
}

func (s *Service) loadForUpdate(ctx context.Context, deviceUUID string) (*domain.TargetState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT apps, config, version, updated_at FROM device_target_state WHERE device_uuid = ?
	`, deviceUUID)
	ts, err := scanTargetState(deviceUUID, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewTargetState(deviceUUID), nil
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "failed to load target state")
	}
	return ts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTargetState(deviceUUID string, s rowScanner) (*domain.TargetState, error) {
	var appsRaw, configRaw string
	var version int64
	var updatedAt time.Time

	if err := s.Scan(&appsRaw, &configRaw, &version, &updatedAt); err != nil {
		return nil, err
	}

	full := []byte(`{"apps":` + appsRaw + `,"config":` + configRaw + `}`)
	ts, err := domain.UnmarshalTargetState(deviceUUID, full)
	if err != nil {
		return nil, err
	}
	ts.Version = version
	ts.UpdatedAt = updatedAt
	return ts, nil
}

// upsert inserts a device's first target state row, or updates the
// existing one guarded by expectedVersion — both sqlite3 and postgres
// support a conditional ON CONFLICT DO UPDATE, so one statement covers
// both the "row doesn't exist yet" and "optimistic concurrency" cases.
func (s *Service) upsert(ctx context.Context, deviceUUID, appsJSON, configJSON string, nextVersion int64, etag string, expectedVersion int64) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_target_state (device_uuid, apps, config, version, etag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_uuid) DO UPDATE SET
			apps = excluded.apps,
			config = excluded.config,
			version = excluded.version,
			etag = excluded.etag,
			updated_at = excluded.updated_at
		WHERE device_target_state.version = ?
	`, deviceUUID, appsJSON, configJSON, nextVersion, etag, now, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
