package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/policy"
)

type fakeLock struct {
	acquireOK bool
	released  bool
}

func (f *fakeLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if !f.acquireOK {
		return nil, false, nil
	}
	return func() { f.released = true }, true, nil
}

type fakeTargets struct {
	calls []string
	ok    bool
	err   error
}

func (f *fakeTargets) SetImageForService(ctx context.Context, deviceUUID string, appID, serviceID int, newTag string) (int64, bool, error) {
	f.calls = append(f.calls, deviceUUID)
	if f.err != nil {
		return 0, false, f.err
	}
	return 2, f.ok, nil
}

type fakeHealth struct {
	called bool
}

func (f *fakeHealth) EvaluateRollout(ctx context.Context, rolloutID string, pol *domain.Policy) error {
	f.called = true
	return nil
}

type fakeRollback struct {
	rolledBack []string
}

func (f *fakeRollback) RollbackRow(ctx context.Context, rolloutID, deviceUUID string) error {
	f.rolledBack = append(f.rolledBack, deviceUUID)
	return nil
}

func newTestMonitor(t *testing.T) (*Monitor, sqlmock.Sqlmock, *fakeTargets, *fakeHealth, *fakeRollback, *fakeLock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := database.NewForTesting(sqlDB, "sqlite3")
	store := NewStore(db)
	policies := policy.New(db)
	targets := &fakeTargets{ok: true}
	health := &fakeHealth{}
	rb := &fakeRollback{}
	l := &fakeLock{acquireOK: true}

	m := NewMonitor(store, policies, targets, health, rb, events.NewNoopPublisher(), l, MonitorConfig{})
	return m, mock, targets, health, rb, l
}

func TestTick_LockHeldElsewhere_NoOp(t *testing.T) {
	m, mock, _, _, _, l := newTestMonitor(t)
	l.acquireOK = false

	err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchComplete(t *testing.T) {
	rows := []*domain.DeviceRolloutRow{
		{Status: domain.RowHealthy},
		{Status: domain.RowFailed},
		{Status: domain.RowSkipped},
		{Status: domain.RowRolledBack},
	}
	assert.True(t, batchComplete(rows))

	rows = append(rows, &domain.DeviceRolloutRow{Status: domain.RowScheduled})
	assert.False(t, batchComplete(rows))
}

func TestApplyFailureRateGuard_ExceedsThreshold_Pauses(t *testing.T) {
	m, mock, _, _, _, _ := newTestMonitor(t)
	r := &domain.Rollout{ID: "r1"}
	pol := &domain.Policy{MaxFailureRate: 0.2}
	counters := domain.RolloutCounters{Healthy: 6, Failed: 3, RolledBack: 1}

	mock.ExpectExec("UPDATE image_rollouts SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	paused, err := m.applyFailureRateGuard(context.Background(), r, pol, counters)
	require.NoError(t, err)
	assert.True(t, paused)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFailureRateGuard_BelowThreshold_NoPause(t *testing.T) {
	m, mock, _, _, _, _ := newTestMonitor(t)
	r := &domain.Rollout{ID: "r1"}
	pol := &domain.Policy{MaxFailureRate: 0.5}
	counters := domain.RolloutCounters{Healthy: 9, Failed: 1}

	paused, err := m.applyFailureRateGuard(context.Background(), r, pol, counters)
	require.NoError(t, err)
	assert.False(t, paused)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateBatch_SchedulesPendingRows(t *testing.T) {
	m, mock, targets, _, _, _ := newTestMonitor(t)
	r := &domain.Rollout{ID: "r1", NewTag: "v2"}

	rowCols := []string{"rollout_id", "device_uuid", "app_id", "service_id", "batch_number", "status", "scheduled_at", "updated_at", "health_checked_at", "error"}
	mock.ExpectQuery("SELECT .* FROM device_rollout_status WHERE rollout_id = \\? AND batch_number = \\?").
		WithArgs("r1", 1).
		WillReturnRows(sqlmock.NewRows(rowCols).
			AddRow("r1", "dev-1", 1, 1, 1, "pending", nil, nil, nil, "").
			AddRow("r1", "dev-2", 1, 1, 1, "pending", nil, nil, nil, ""))

	mock.ExpectExec("UPDATE device_rollout_status SET status = \\?, error = \\?, scheduled_at = \\? WHERE rollout_id = \\? AND device_uuid = \\?").
		WithArgs(domain.RowScheduled, "", sqlmock.AnyArg(), "r1", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE device_rollout_status SET status = \\?, error = \\?, scheduled_at = \\? WHERE rollout_id = \\? AND device_uuid = \\?").
		WithArgs(domain.RowScheduled, "", sqlmock.AnyArg(), "r1", "dev-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.activateBatch(context.Background(), r, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dev-1", "dev-2"}, targets.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateBatch_NotUpdatable_MarksFailed(t *testing.T) {
	m, mock, targets, _, _, _ := newTestMonitor(t)
	targets.ok = false
	r := &domain.Rollout{ID: "r1", NewTag: "v2"}

	rowCols := []string{"rollout_id", "device_uuid", "app_id", "service_id", "batch_number", "status", "scheduled_at", "updated_at", "health_checked_at", "error"}
	mock.ExpectQuery("SELECT .* FROM device_rollout_status").
		WillReturnRows(sqlmock.NewRows(rowCols).
			AddRow("r1", "dev-1", 1, 1, 1, "pending", nil, nil, nil, ""))

	mock.ExpectExec("UPDATE device_rollout_status SET status = \\?, error = \\? WHERE rollout_id = \\? AND device_uuid = \\?").
		WithArgs(domain.RowFailed, "target service is not updatable", "r1", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.activateBatch(context.Background(), r, 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
