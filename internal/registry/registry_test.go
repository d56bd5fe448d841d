package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd.sh/internal/database"
	"fleetd.sh/internal/domain"
)

func newGate(t *testing.T) (*Gate, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := database.NewForTesting(sqlDB, "sqlite3")
	return New(db, []string{"internal/"}), mock
}

func TestAdmit_InternalNamespaceBypasses(t *testing.T) {
	gate, mock := newGate(t)

	decision, err := gate.Admit(context.Background(), "registry.local", "internal/agent", "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAdmit, decision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmit_UnknownImageCreatesApprovalRequest(t *testing.T) {
	gate, mock := newGate(t)

	emptyRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "registry", "namespace", "image_name", "status", "category", "is_official", "created_at"})
	}
	mock.ExpectQuery("SELECT id, registry, namespace, image_name, status, category, is_official, created_at FROM images").
		WithArgs("docker.io", "acme/widget").
		WillReturnRows(emptyRows())
	mock.ExpectExec("INSERT INTO images").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO image_approval_requests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, registry, namespace, image_name, status, category, is_official, created_at FROM images").
		WithArgs("docker.io", "acme/widget").
		WillReturnRows(sqlmock.NewRows([]string{"id", "registry", "namespace", "image_name", "status", "category", "is_official", "created_at"}).
			AddRow("img-1", "docker.io", "acme", "widget", "pending", "", false, time.Now()))

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/widget", "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPendingApproval, decision)
}

func TestAdmit_DeprecatedTagRejects(t *testing.T) {
	gate, mock := newGate(t)

	mock.ExpectQuery("SELECT id, registry, namespace, image_name, status, category, is_official, created_at FROM images").
		WithArgs("docker.io", "acme/widget").
		WillReturnRows(sqlmock.NewRows([]string{"id", "registry", "namespace", "image_name", "status", "category", "is_official", "created_at"}).
			AddRow("img-1", "docker.io", "acme", "widget", "approved", "", false, time.Now()))
	mock.ExpectQuery("SELECT is_deprecated FROM image_tags").
		WithArgs("img-1", "v1").
		WillReturnRows(sqlmock.NewRows([]string{"is_deprecated"}).AddRow(true))

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/widget", "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeprecated, decision)
}

func TestAdmit_ApprovedImageUnknownTagAutoAdmits(t *testing.T) {
	gate, mock := newGate(t)

	mock.ExpectQuery("SELECT id, registry, namespace, image_name, status, category, is_official, created_at FROM images").
		WithArgs("docker.io", "acme/widget").
		WillReturnRows(sqlmock.NewRows([]string{"id", "registry", "namespace", "image_name", "status", "category", "is_official", "created_at"}).
			AddRow("img-1", "docker.io", "acme", "widget", "approved", "", false, time.Now()))
	mock.ExpectQuery("SELECT is_deprecated FROM image_tags").
		WithArgs("img-1", "v2").
		WillReturnRows(sqlmock.NewRows([]string{"is_deprecated"}))
	mock.ExpectExec("INSERT INTO image_tags").
		WillReturnResult(sqlmock.NewResult(1, 1))

	decision, err := gate.Admit(context.Background(), "docker.io", "acme/widget", "v2")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAdmit, decision)
}

func TestSplitNamespace(t *testing.T) {
	ns, name := splitNamespace("library/nginx")
	assert.Equal(t, "library", ns)
	assert.Equal(t, "nginx", name)

	ns, name = splitNamespace("nginx")
	assert.Equal(t, "", ns)
	assert.Equal(t, "nginx", name)
}
