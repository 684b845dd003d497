package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"pagewise/api/internal/auth"
	"pagewise/api/internal/config"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/store"
)

const testSecret = "test-token-secret"

// fakeStore is an in-memory dataStore. The ...Fn fields override single methods.
type fakeStore struct {
	mu          sync.Mutex
	documents   map[string]store.Document
	grants      map[string]map[string]rbac.Role
	invitations map[string]store.Invitation
	users       map[string]store.User
	apiKeys     map[string]string

	pingFn        func(context.Context) error
	getDocumentFn func(context.Context, string) (store.Document, error)
	batchFn       func(context.Context, []string) ([]store.Document, error)
	ensureUserFn  func(context.Context, store.User) (store.User, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:   map[string]store.Document{},
		grants:      map[string]map[string]rbac.Role{},
		invitations: map[string]store.Invitation{},
		users:       map[string]store.User{},
		apiKeys:     map[string]string{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) putDocument(doc store.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.GeneralAccess == "" {
		doc.GeneralAccess = store.AccessPrivate
	}
	if doc.PublicRole == "" {
		doc.PublicRole = rbac.RoleViewer
	}
	f.documents[doc.ID] = doc
}

func (f *fakeStore) putUser(user store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.DeletedAt != nil {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) GetDocumentsBatch(ctx context.Context, ids []string) ([]store.Document, error) {
	if f.batchFn != nil {
		return f.batchFn(ctx, ids)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []store.Document
	for _, id := range ids {
		if doc, ok := f.documents[id]; ok && doc.DeletedAt == nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (f *fakeStore) CreateDocument(_ context.Context, doc store.Document) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	f.documents[doc.ID] = doc
	return doc, nil
}

func (f *fakeStore) UpdateDocument(_ context.Context, id string, patch store.DocumentPatch) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.DeletedAt != nil {
		return store.Document{}, store.ErrNotFound
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	if patch.Properties != nil {
		doc.Properties = *patch.Properties
	}
	if len(patch.Values) > 0 {
		merged := map[string]any{}
		for k, v := range doc.Values {
			merged[k] = v
		}
		for k, v := range patch.Values {
			merged[k] = v
		}
		doc.Values = merged
	}
	doc.UpdatedAt = time.Now().UTC()
	f.documents[id] = doc
	return doc, nil
}

func (f *fakeStore) SetGeneralAccess(_ context.Context, id string, access store.GeneralAccess, role rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.DeletedAt != nil {
		return store.ErrNotFound
	}
	doc.GeneralAccess = access
	doc.PublicRole = role
	f.documents[id] = doc
	return nil
}

func (f *fakeStore) SoftDeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	doc.DeletedAt = &now
	f.documents[id] = doc
	return nil
}

func (f *fakeStore) GetPermission(_ context.Context, documentID, userID string) (store.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.grants[documentID][userID]
	if !ok {
		return store.PermissionGrant{}, store.ErrNotFound
	}
	return store.PermissionGrant{DocumentID: documentID, UserID: userID, Role: role}, nil
}

func (f *fakeStore) ListPermissions(_ context.Context, documentID string) ([]store.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var grants []store.PermissionGrant
	for userID, role := range f.grants[documentID] {
		grants = append(grants, store.PermissionGrant{DocumentID: documentID, UserID: userID, Role: role})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].UserID < grants[j].UserID })
	return grants, nil
}

func (f *fakeStore) UpsertPermission(_ context.Context, documentID, userID string, role rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[documentID] == nil {
		f.grants[documentID] = map[string]rbac.Role{}
	}
	f.grants[documentID][userID] = role
	return nil
}

func (f *fakeStore) DeletePermission(_ context.Context, documentID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grants[documentID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.grants[documentID], userID)
	return nil
}

func (f *fakeStore) CreateInvitation(_ context.Context, inv store.Invitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invitations[inv.ID] = inv
	return nil
}

func (f *fakeStore) GetInvitation(_ context.Context, id string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[id]
	if !ok {
		return store.Invitation{}, store.ErrNotFound
	}
	return inv, nil
}

func (f *fakeStore) AcceptInvitation(_ context.Context, id, userID string, acceptedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[id]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != store.InvitationPending {
		return store.ErrConflict
	}
	inv.Status = store.InvitationAccepted
	inv.AcceptedBy = &userID
	inv.AcceptedAt = &acceptedAt
	f.invitations[id] = inv
	if f.grants[inv.DocumentID] == nil {
		f.grants[inv.DocumentID] = map[string]rbac.Role{}
	}
	f.grants[inv.DocumentID][userID] = inv.Role
	return nil
}

func (f *fakeStore) DeleteInvitation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.invitations[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.invitations, id)
	return nil
}

func (f *fakeStore) DeletePendingInvitationsExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for id, inv := range f.invitations {
		if inv.Status == store.InvitationPending && inv.ExpiresAt.Before(cutoff) {
			delete(f.invitations, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) EnsureUser(ctx context.Context, user store.User) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, user)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.users[user.ID]; ok {
		return existing, nil
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) SaveAPIKey(_ context.Context, userID, encrypted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys[userID] = encrypted
	return nil
}

func (f *fakeStore) GetAPIKey(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apiKeys[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return key, nil
}

func (f *fakeStore) DeleteAPIKey(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apiKeys, userID)
	return nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.TokenSecret = testSecret
	cfg.AppURL = "https://app.example.com"
	cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	return cfg
}

func newTestService(t *testing.T, fs *fakeStore, opts ...Option) *Service {
	t.Helper()
	svc, err := New(testConfig(), fs, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func issueToken(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := auth.NewTokens(testSecret).Issue(auth.Identity{UserID: userID, Email: email, Name: userID}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}
