package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagewise/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `id, owner_id, title, content, general_access, public_role, properties, property_values, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc        Document
		access     string
		publicRole string
		props      []byte
		values     []byte
		deletedAt  sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &access, &publicRole, &props, &values, &doc.CreatedAt, &doc.UpdatedAt, &deletedAt); err != nil {
		return Document{}, err
	}
	doc.GeneralAccess = GeneralAccess(access)
	doc.PublicRole = rbac.Normalize(publicRole)
	if len(props) > 0 {
		if err := json.Unmarshal(props, &doc.Properties); err != nil {
			return Document{}, fmt.Errorf("decode properties: %w", err)
		}
	}
	doc.Values = map[string]any{}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &doc.Values); err != nil {
			return Document{}, fmt.Errorf("decode property values: %w", err)
		}
	}
	if deletedAt.Valid {
		deleted := deletedAt.Time
		doc.DeletedAt = &deleted
	}
	return doc, nil
}

// GetDocument returns a live document. Soft-deleted documents read as ErrNotFound.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 AND deleted_at IS NULL`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, wrap("get document", err)
	}
	return doc, nil
}

// GetDocumentsBatch reads every live document whose id is in ids. Missing ids are skipped and
// the result order is unspecified.
func (s *PostgresStore) GetDocumentsBatch(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, Unavailable("get documents batch", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, Unavailable("scan documents batch", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("iterate documents batch", err)
	}
	return docs, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	props, err := json.Marshal(nonNilProperties(doc.Properties))
	if err != nil {
		return Document{}, fmt.Errorf("encode properties: %w", err)
	}
	values, err := json.Marshal(nonNilValues(doc.Values))
	if err != nil {
		return Document{}, fmt.Errorf("encode property values: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, owner_id, title, content, general_access, public_role, properties, property_values)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+documentColumns,
		doc.ID, doc.OwnerID, doc.Title, doc.Content, string(doc.GeneralAccess), string(doc.PublicRole), props, values,
	)
	created, err := scanDocument(row)
	if err != nil {
		return Document{}, Unavailable("create document", err)
	}
	return created, nil
}

// UpdateDocument applies a partial update. Property values are merged key by key; a JSON null
// value is stored as null rather than removing the key.
func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) (Document, error) {
	var props []byte
	if patch.Properties != nil {
		encoded, err := json.Marshal(nonNilProperties(*patch.Properties))
		if err != nil {
			return Document{}, fmt.Errorf("encode properties: %w", err)
		}
		props = encoded
	}
	values, err := json.Marshal(nonNilValues(patch.Values))
	if err != nil {
		return Document{}, fmt.Errorf("encode property values: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE documents SET
			title = COALESCE($2, title),
			content = COALESCE($3, content),
			properties = COALESCE($4::jsonb, properties),
			property_values = property_values || $5::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+documentColumns,
		id, nullString(patch.Title), nullString(patch.Content), nullBytes(props), values,
	)
	updated, err := scanDocument(row)
	if err != nil {
		return Document{}, wrap("update document", err)
	}
	return updated, nil
}

func (s *PostgresStore) SetGeneralAccess(ctx context.Context, id string, access GeneralAccess, publicRole rbac.Role) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET general_access=$2, public_role=$3, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, id, string(access), string(publicRole))
	if err != nil {
		return Unavailable("set general access", err)
	}
	return requireAffected("set general access", result)
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return Unavailable("delete document", err)
	}
	return requireAffected("delete document", result)
}

func (s *PostgresStore) GetPermission(ctx context.Context, documentID, userID string) (PermissionGrant, error) {
	var (
		grant PermissionGrant
		role  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, user_id, role, created_at, updated_at
		FROM document_permissions
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&grant.DocumentID, &grant.UserID, &role, &grant.CreatedAt, &grant.UpdatedAt)
	if err != nil {
		return PermissionGrant{}, wrap("get permission", err)
	}
	grant.Role = rbac.Normalize(role)
	return grant, nil
}

func (s *PostgresStore) ListPermissions(ctx context.Context, documentID string) ([]PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, role, created_at, updated_at
		FROM document_permissions
		WHERE document_id=$1
		ORDER BY created_at ASC, user_id ASC
	`, documentID)
	if err != nil {
		return nil, Unavailable("list permissions", err)
	}
	defer rows.Close()

	grants := []PermissionGrant{}
	for rows.Next() {
		var (
			grant PermissionGrant
			role  string
		)
		if err := rows.Scan(&grant.DocumentID, &grant.UserID, &role, &grant.CreatedAt, &grant.UpdatedAt); err != nil {
			return nil, Unavailable("scan permission", err)
		}
		grant.Role = rbac.Normalize(role)
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("iterate permissions", err)
	}
	return grants, nil
}

const upsertPermissionSQL = `
	INSERT INTO document_permissions (document_id, user_id, role)
	VALUES ($1, $2, $3)
	ON CONFLICT (document_id, user_id) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
`

// UpsertPermission writes the single grant for (document, user), overwriting any prior role.
func (s *PostgresStore) UpsertPermission(ctx context.Context, documentID, userID string, role rbac.Role) error {
	if _, err := s.db.ExecContext(ctx, upsertPermissionSQL, documentID, userID, string(role)); err != nil {
		return Unavailable("upsert permission", err)
	}
	return nil
}

func (s *PostgresStore) DeletePermission(ctx context.Context, documentID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_permissions WHERE document_id=$1 AND user_id=$2`, documentID, userID); err != nil {
		return Unavailable("delete permission", err)
	}
	return nil
}

const invitationColumns = `id, document_id, inviter_id, email, role, token_hash, status, created_at, expires_at, accepted_by, accepted_at`

func scanInvitation(row rowScanner) (Invitation, error) {
	var (
		inv        Invitation
		role       string
		status     string
		acceptedBy sql.NullString
		acceptedAt sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.DocumentID, &inv.InviterID, &inv.Email, &role, &inv.TokenHash, &status, &inv.CreatedAt, &inv.ExpiresAt, &acceptedBy, &acceptedAt); err != nil {
		return Invitation{}, err
	}
	inv.Role = rbac.Normalize(role)
	inv.Status = InvitationStatus(status)
	if acceptedBy.Valid {
		value := acceptedBy.String
		inv.AcceptedBy = &value
	}
	if acceptedAt.Valid {
		value := acceptedAt.Time
		inv.AcceptedAt = &value
	}
	return inv, nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, document_id, inviter_id, email, role, token_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.ID, inv.DocumentID, inv.InviterID, inv.Email, string(inv.Role), inv.TokenHash, string(inv.Status), inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return Unavailable("create invitation", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, id string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1`, id)
	inv, err := scanInvitation(row)
	if err != nil {
		return Invitation{}, wrap("get invitation", err)
	}
	return inv, nil
}

// AcceptInvitation moves a PENDING invitation to ACCEPTED and writes its grant in one
// transaction. An invitation that exists but is no longer pending is ErrConflict, so of two
// concurrent accepts exactly one succeeds.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, id, userID string, acceptedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("begin accept invitation", err)
	}
	defer func() { _ = tx.Rollback() }()

	var documentID, role string
	err = tx.QueryRowContext(ctx, `
		UPDATE invitations SET status='ACCEPTED', accepted_by=$2, accepted_at=$3
		WHERE id=$1 AND status='PENDING'
		RETURNING document_id, role
	`, id, userID, acceptedAt).Scan(&documentID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invitations WHERE id=$1)`, id).Scan(&exists); err != nil {
			return Unavailable("accept invitation", err)
		}
		if exists {
			return fmt.Errorf("accept invitation: %w", ErrConflict)
		}
		return fmt.Errorf("accept invitation: %w", ErrNotFound)
	}
	if err != nil {
		return Unavailable("accept invitation", err)
	}

	if _, err := tx.ExecContext(ctx, upsertPermissionSQL, documentID, userID, role); err != nil {
		return Unavailable("grant invitation role", err)
	}
	if err := tx.Commit(); err != nil {
		return Unavailable("commit accept invitation", err)
	}
	return nil
}

func (s *PostgresStore) DeleteInvitation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE id=$1`, id)
	if err != nil {
		return Unavailable("delete invitation", err)
	}
	return requireAffected("delete invitation", result)
}

// DeletePendingInvitationsExpiredBefore removes pending invitations whose expiry is older than cutoff.
func (s *PostgresStore) DeletePendingInvitationsExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE status='PENDING' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, Unavailable("purge invitations", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, Unavailable("purge invitations", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, display_name, created_at, updated_at FROM users WHERE id=$1`, id).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, wrap("get user", err)
	}
	return user, nil
}

// EnsureUser records the identity presented by a verified token, refreshing email and display
// name. Several user ids may share an email address.
func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	var saved User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email, display_name=EXCLUDED.display_name, updated_at=NOW()
		RETURNING id, email, display_name, created_at, updated_at
	`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.DisplayName).
		Scan(&saved.ID, &saved.Email, &saved.DisplayName, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return User{}, wrap("ensure user", err)
	}
	return saved, nil
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, userID, encrypted string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, encrypted_key)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET encrypted_key=EXCLUDED.encrypted_key, updated_at=NOW()
	`, userID, encrypted)
	if err != nil {
		return Unavailable("save api key", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, userID string) (string, error) {
	var encrypted string
	err := s.db.QueryRowContext(ctx, `SELECT encrypted_key FROM user_api_keys WHERE user_id=$1`, userID).Scan(&encrypted)
	if err != nil {
		return "", wrap("get api key", err)
	}
	return encrypted, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_api_keys WHERE user_id=$1`, userID); err != nil {
		return Unavailable("delete api key", err)
	}
	return nil
}

func requireAffected(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Unavailable(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nonNilProperties(props []PropertyDefinition) []PropertyDefinition {
	if props == nil {
		return []PropertyDefinition{}
	}
	return props
}

func nonNilValues(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullBytes(value []byte) any {
	if value == nil {
		return nil
	}
	return string(value)
}
