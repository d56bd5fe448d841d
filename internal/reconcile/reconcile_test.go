package reconcile

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"fleetd.sh/internal/currentstate"
	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
	"fleetd.sh/internal/events"
	"fleetd.sh/internal/middleware"
	"fleetd.sh/internal/repository"
	"fleetd.sh/internal/rollout"
	"fleetd.sh/internal/targetstate"
)

func newHarness(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := database.NewForTesting(sqlDB, "sqlite3")
	targets := targetstate.New(db, events.NewNoopPublisher())
	current := currentstate.New(db)
	devices := repository.NewDeviceRepository(db)
	rollouts := rollout.NewStore(db)

	return New(targets, current, devices, rollouts, events.NewNoopPublisher()), mock
}

func withDevice(req *http.Request, d *domain.Device, uuidVar string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.DeviceContextKey, d)
	req = req.WithContext(ctx)
	return mux.SetURLVars(req, map[string]string{"uuid": uuidVar})
}

func TestGetTargetState_ReturnsDocumentAndETag(t *testing.T) {
	h, mock := newHarness(t)
	device := &domain.Device{UUID: "dev-1", Name: "dev-1", IsOnline: true, LastSeen: time.Now()}

	mock.ExpectQuery("SELECT apps, config, version, updated_at FROM device_target_state WHERE device_uuid = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"apps", "config", "version", "updated_at"}).
			AddRow(`{}`, `{}`, 1, time.Now()))
	mock.ExpectExec("UPDATE devices SET is_online = \\?, last_seen = \\? WHERE uuid = \\?").
		WithArgs(true, sqlmock.AnyArg(), "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := withDevice(httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/target-state", nil), device, "dev-1")
	w := httptest.NewRecorder()
	h.GetTargetState(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("ETag"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetState_IfNoneMatch_Mismatch_ReturnsBody(t *testing.T) {
	h, mock := newHarness(t)
	device := &domain.Device{UUID: "dev-1", Name: "dev-1", IsOnline: true, LastSeen: time.Now()}

	mock.ExpectQuery("SELECT apps, config, version, updated_at FROM device_target_state WHERE device_uuid = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"apps", "config", "version", "updated_at"}).
			AddRow(`{}`, `{}`, 1, time.Now()))
	mock.ExpectExec("UPDATE devices SET is_online = \\?, last_seen = \\? WHERE uuid = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := withDevice(httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/target-state", nil), device, "dev-1")
	req.Header.Set("If-None-Match", `"wrong-etag"`)
	w := httptest.NewRecorder()
	h.GetTargetState(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetState_IdentityMismatch_Forbidden(t *testing.T) {
	h, _ := newHarness(t)
	device := &domain.Device{UUID: "dev-1", Name: "dev-1"}

	req := withDevice(httptest.NewRequest(http.MethodGet, "/v1/devices/dev-2/target-state", nil), device, "dev-2")
	w := httptest.NewRecorder()
	h.GetTargetState(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestReportCurrentState_AppliesReportAndMarksOnline(t *testing.T) {
	h, mock := newHarness(t)
	device := &domain.Device{UUID: "dev-1", Name: "dev-1", IsOnline: false}

	mock.ExpectQuery("SELECT apps, system_info, reported_at FROM device_current_state WHERE device_uuid = \\?").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO device_current_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE devices SET is_online = \\?, last_seen = \\? WHERE uuid = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM device_rollout_status drs").
		WillReturnRows(sqlmock.NewRows([]string{
			"rollout_id", "device_uuid", "app_id", "service_id", "batch_number", "status", "scheduled_at", "updated_at", "health_checked_at", "error",
		}))

	body := `{"apps":{"1":[{"id":2,"name":"web","image":"nginx:v2","status":"running"}]}}`
	req := withDevice(httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/current-state", strings.NewReader(body)), device, "dev-1")
	w := httptest.NewRecorder()
	h.ReportCurrentState(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
