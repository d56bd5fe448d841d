package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
)

// DeviceRepository defines data access for fleet devices.
type DeviceRepository interface {
	List(ctx context.Context, opts ListOptions) ([]*domain.Device, error)
	Get(ctx context.Context, uuid string) (*domain.Device, error)
	Create(ctx context.Context, device *domain.Device) error
	UpdateOnlineState(ctx context.Context, uuid string, online bool, lastSeen time.Time) error
	CountByOnlineState(ctx context.Context) (online, offline int32, err error)
}

// ListOptions contains pagination and filtering options.
type ListOptions struct {
	Limit   int32
	Offset  int32
	OrderBy string
	Filter  string
}

type deviceRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewDeviceRepository creates a new device repository.
func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: slog.Default().With("component", "device-repository"),
	}
}

func (r *deviceRepository) List(ctx context.Context, opts ListOptions) ([]*domain.Device, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	orderBy := "last_seen DESC"
	validOrderBy := map[string]bool{"last_seen": true, "created_at": true, "name": true, "type": true}
	if opts.OrderBy != "" {
		if !validOrderBy[opts.OrderBy] {
			return nil, fmt.Errorf("invalid order by field: %s", opts.OrderBy)
		}
		orderBy = opts.OrderBy + " DESC"
	}

	query := `
		SELECT uuid, name, type, is_active, is_online, last_seen, api_key_hash, created_at
		FROM devices
	`
	var args []any
	if opts.Filter != "" {
		query += " WHERE name LIKE ? OR type LIKE ?"
		pattern := "%" + opts.Filter + "%"
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	r.logger.Debug("listed devices", "count", len(devices))
	return devices, nil
}

func (r *deviceRepository) Get(ctx context.Context, uuid string) (*domain.Device, error) {
	if uuid == "" {
		return nil, errors.New("device uuid is required")
	}

	query := `
		SELECT uuid, name, type, is_active, is_online, last_seen, api_key_hash, created_at
		FROM devices
		WHERE uuid = ?
	`
	row := r.db.QueryRowContext(ctx, query, uuid)
	d, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s", ErrNotFound, uuid)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *deviceRepository) Create(ctx context.Context, device *domain.Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	device.CreatedAt = time.Now()

	query := `
		INSERT INTO devices (uuid, name, type, is_active, is_online, last_seen, api_key_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		device.UUID, device.Name, device.Type, device.IsActive, device.IsOnline,
		device.LastSeen, device.APIKeyHash, device.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	r.logger.Info("device created", "uuid", device.UUID, "name", device.Name)
	return nil
}

// UpdateOnlineState flips is_online and last_seen. Called by the
// Reconciliation Endpoint whenever a device fetches target state or
// reports current state.
func (r *deviceRepository) UpdateOnlineState(ctx context.Context, uuid string, online bool, lastSeen time.Time) error {
	if uuid == "" {
		return errors.New("device uuid is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_online = ?, last_seen = ? WHERE uuid = ?`,
		online, lastSeen, uuid,
	)
	if err != nil {
		return fmt.Errorf("failed to update device online state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, uuid)
	}
	return nil
}

func (r *deviceRepository) CountByOnlineState(ctx context.Context) (online, offline int32, err error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT
			SUM(CASE WHEN is_online THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT is_online THEN 1 ELSE 0 END)
		FROM devices`,
	)
	var onlineN, offlineN sql.NullInt64
	if err := row.Scan(&onlineN, &offlineN); err != nil {
		return 0, 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return int32(onlineN.Int64), int32(offlineN.Int64), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(rows *sql.Rows) (*domain.Device, error)   { return scanDeviceFrom(rows) }
func scanDeviceRow(row *sql.Row) (*domain.Device, error)  { return scanDeviceFrom(row) }

func scanDeviceFrom(s rowScanner) (*domain.Device, error) {
	var d domain.Device
	var lastSeen sql.NullTime

	err := s.Scan(&d.UUID, &d.Name, &d.Type, &d.IsActive, &d.IsOnline, &lastSeen, &d.APIKeyHash, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return &d, nil
}

func validateDevice(device *domain.Device) error {
	if device == nil {
		return errors.New("device is nil")
	}
	if device.UUID == "" {
		return errors.New("device uuid is required")
	}
	if device.Name == "" {
		return errors.New("device name is required")
	}
	if device.Type == "" {
		return errors.New("device type is required")
	}
	return nil
}
