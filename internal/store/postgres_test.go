package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewise/api/internal/rbac"
)

// passthroughConverter lets slice arguments such as []string reach the mock driver the way
// pgx receives them.
type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v any) (driver.Value, error) {
	return v, nil
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var documentColumnNames = []string{"id", "owner_id", "title", "content", "general_access", "public_role", "properties", "property_values", "created_at", "updated_at", "deleted_at"}

func documentRow(rows *sqlmock.Rows, id, owner string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(
		id, owner, "Roadmap", "", "PUBLIC", "VIEWER",
		[]byte(`[{"id":"p1","name":"Estimate","type":"number"}]`),
		[]byte(`{"p1":3}`),
		now, now, nil,
	)
}

func TestGetDocumentDecodesJSONColumns(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM documents WHERE id=\$1 AND deleted_at IS NULL`).
		WithArgs("doc_1").
		WillReturnRows(documentRow(sqlmock.NewRows(documentColumnNames), "doc_1", "user_1"))

	doc, err := s.GetDocument(context.Background(), "doc_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", doc.OwnerID)
	assert.Equal(t, AccessPublic, doc.GeneralAccess)
	assert.Equal(t, rbac.RoleViewer, doc.PublicRole)
	require.Len(t, doc.Properties, 1)
	assert.Equal(t, PropertyNumber, doc.Properties[0].Type)
	assert.Equal(t, float64(3), doc.Values["p1"])
	assert.Nil(t, doc.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM documents WHERE id=\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestGetDocumentDriverErrorIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`FROM documents WHERE id=\$1`).
		WithArgs("doc_1").
		WillReturnError(boom)

	_, err := s.GetDocument(context.Background(), "doc_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGetDocumentsBatchUsesAnyArray(t *testing.T) {
	s, mock := newMockStore(t)
	ids := []string{"doc_1", "doc_2"}
	rows := sqlmock.NewRows(documentColumnNames)
	documentRow(rows, "doc_2", "user_1")
	documentRow(rows, "doc_1", "user_1")
	mock.ExpectQuery(`WHERE id = ANY\(\$1\) AND deleted_at IS NULL`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	docs, err := s.GetDocumentsBatch(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc_2", docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentsBatchEmptySkipsQuery(t *testing.T) {
	s, mock := newMockStore(t)
	docs, err := s.GetDocumentsBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPermissionOverwritesOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`ON CONFLICT \(document_id, user_id\) DO UPDATE SET role=EXCLUDED.role`).
		WithArgs("doc_1", "user_2", "EDITOR").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertPermission(context.Background(), "doc_1", "user_2", rbac.RoleEditor))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPermissionMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM document_permissions`).
		WithArgs("doc_1", "user_9").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetPermission(context.Background(), "doc_1", "user_9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptInvitationGrantsRoleInTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE invitations SET status='ACCEPTED', accepted_by=\$2, accepted_at=\$3 WHERE id=\$1 AND status='PENDING' RETURNING document_id, role`).
		WithArgs("inv_1", "user_2", at).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "role"}).AddRow("doc_1", "EDITOR"))
	mock.ExpectExec(`INSERT INTO document_permissions`).
		WithArgs("doc_1", "user_2", "EDITOR").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AcceptInvitation(context.Background(), "inv_1", "user_2", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptInvitationNoLongerPendingIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE invitations SET status='ACCEPTED'`).
		WithArgs("inv_1", "user_3", at).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "role"}))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM invitations WHERE id=\$1\)`).
		WithArgs("inv_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.AcceptInvitation(context.Background(), "inv_1", "user_3", at)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptInvitationMissingIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE invitations SET status='ACCEPTED'`).
		WithArgs("inv_9", "user_2", at).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "role"}))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("inv_9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := s.AcceptInvitation(context.Background(), "inv_9", "user_2", at)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptInvitationRollsBackWhenGrantFails(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE invitations SET status='ACCEPTED'`).
		WithArgs("inv_1", "user_2", at).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "role"}).AddRow("doc_1", "VIEWER"))
	mock.ExpectExec(`INSERT INTO document_permissions`).
		WithArgs("doc_1", "user_2", "VIEWER").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.AcceptInvitation(context.Background(), "inv_1", "user_2", at)
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureUserUniqueViolationIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("user_2", "ada@example.com", "Ada").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_pkey"})

	_, err := s.EnsureUser(context.Background(), User{ID: "user_2", Email: " Ada@Example.com ", DisplayName: "Ada"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestEnsureUserDriverErrorIsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("user_2", "ada@example.com", "").
		WillReturnError(errors.New("connection refused"))

	_, err := s.EnsureUser(context.Background(), User{ID: "user_2", Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetInvitationScansNullableColumns(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "document_id", "inviter_id", "email", "role", "token_hash", "status", "created_at", "expires_at", "accepted_by", "accepted_at"}).
		AddRow("inv_1", "doc_1", "user_1", "ada@example.com", "EDITOR", "hash", "PENDING", created, created.Add(7*24*time.Hour), nil, nil)
	mock.ExpectQuery(`FROM invitations WHERE id=\$1`).WithArgs("inv_1").WillReturnRows(rows)

	inv, err := s.GetInvitation(context.Background(), "inv_1")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEditor, inv.Role)
	assert.Equal(t, InvitationPending, inv.Status)
	assert.Nil(t, inv.AcceptedBy)
	assert.Nil(t, inv.AcceptedAt)
}

func TestDeletePendingInvitationsExpiredBefore(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM invitations WHERE status='PENDING' AND expires_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	count, err := s.DeletePendingInvitationsExpiredBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestSoftDeleteMissingDocument(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE documents SET deleted_at=NOW\(\)`).
		WithArgs("doc_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.SoftDeleteDocument(context.Background(), "doc_1"), ErrNotFound)
}
