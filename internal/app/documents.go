package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pagewise/api/internal/formula"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/rollup"
	"pagewise/api/internal/store"
)

type CreateDocumentInput struct {
	Title      string                     `json:"title"`
	Content    string                     `json:"content"`
	Properties []store.PropertyDefinition `json:"properties"`
	Values     map[string]any             `json:"values"`
}

type UpdateDocumentInput struct {
	Title      *string                     `json:"title"`
	Content    *string                     `json:"content"`
	Properties *[]store.PropertyDefinition `json:"properties"`
	Values     map[string]any              `json:"values"`
}

// ComputedValue is a formula or rollup result with its display string.
type ComputedValue struct {
	Value   any    `json:"value"`
	Display string `json:"display"`
}

type DocumentView struct {
	ID            string                     `json:"id"`
	OwnerID       string                     `json:"ownerId"`
	Title         string                     `json:"title"`
	Content       string                     `json:"content"`
	GeneralAccess store.GeneralAccess        `json:"generalAccess"`
	PublicRole    rbac.Role                  `json:"publicRole"`
	Role          rbac.Role                  `json:"role"`
	Properties    []store.PropertyDefinition `json:"properties"`
	Values        map[string]any             `json:"values"`
	Computed      map[string]ComputedValue   `json:"computed"`
	CreatedAt     time.Time                  `json:"createdAt"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
}

type PermissionsView struct {
	DocumentID    string              `json:"documentId"`
	OwnerID       string              `json:"ownerId"`
	GeneralAccess store.GeneralAccess `json:"generalAccess"`
	PublicRole    rbac.Role           `json:"publicRole"`
	Grants        []GrantView         `json:"grants"`
}

type GrantView struct {
	UserID    string    `json:"userId"`
	Role      rbac.Role `json:"role"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const maxTitleLength = 500

func (s *Service) CreateDocument(ctx context.Context, actor Actor, input CreateDocumentInput) (DocumentView, error) {
	if !actor.Authenticated() {
		return DocumentView{}, errUnauthenticated
	}
	title := strings.TrimSpace(input.Title)
	if len(title) > maxTitleLength {
		return DocumentView{}, validationError("title is too long", nil)
	}
	if err := validateProperties(input.Properties); err != nil {
		return DocumentView{}, err
	}
	if err := validateValues(input.Properties, input.Values); err != nil {
		return DocumentView{}, err
	}

	created, err := s.store.CreateDocument(ctx, store.Document{
		ID:            newDocumentID(),
		OwnerID:       actor.ID,
		Title:         title,
		Content:       input.Content,
		GeneralAccess: store.AccessPrivate,
		PublicRole:    rbac.RoleViewer,
		Properties:    input.Properties,
		Values:        input.Values,
	})
	if err != nil {
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}
	s.log.WithFields(logrus.Fields{"document_id": created.ID, "owner_id": actor.ID}).Info("document created")
	return s.view(ctx, actor, created, rbac.RoleOwner), nil
}

// GetDocument returns the document with its rollups and formulas computed.
func (s *Service) GetDocument(ctx context.Context, actor Actor, documentID string) (DocumentView, error) {
	doc, role, err := s.authorize(ctx, actor, documentID, rbac.ActionRead)
	if err != nil {
		return DocumentView{}, err
	}
	return s.view(ctx, actor, doc, role), nil
}

func (s *Service) UpdateDocument(ctx context.Context, actor Actor, documentID string, input UpdateDocumentInput) (DocumentView, error) {
	doc, role, err := s.authorize(ctx, actor, documentID, rbac.ActionWrite)
	if err != nil {
		return DocumentView{}, err
	}

	patch := store.DocumentPatch{Content: input.Content, Properties: input.Properties, Values: input.Values}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if len(title) > maxTitleLength {
			return DocumentView{}, validationError("title is too long", nil)
		}
		patch.Title = &title
	}
	defs := doc.Properties
	if input.Properties != nil {
		if err := validateProperties(*input.Properties); err != nil {
			return DocumentView{}, err
		}
		defs = *input.Properties
	}
	if err := validateValues(defs, input.Values); err != nil {
		return DocumentView{}, err
	}

	updated, err := s.store.UpdateDocument(ctx, documentID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return DocumentView{}, errDocumentNotFound
	}
	if err != nil {
		return DocumentView{}, fmt.Errorf("update document: %w", err)
	}
	s.invalidateRollups(ctx, documentID)
	return s.view(ctx, actor, updated, role), nil
}

// DeleteDocument soft-deletes; afterwards the document reads as absent.
func (s *Service) DeleteDocument(ctx context.Context, actor Actor, documentID string) error {
	if _, _, err := s.authorize(ctx, actor, documentID, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.store.SoftDeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errDocumentNotFound
		}
		return fmt.Errorf("delete document: %w", err)
	}
	s.invalidateRollups(ctx, documentID)
	s.log.WithFields(logrus.Fields{"document_id": documentID, "actor_id": actor.ID}).Info("document deleted")
	return nil
}

// SetGeneralAccess switches between PRIVATE and PUBLIC. An empty role keeps the current
// public role.
func (s *Service) SetGeneralAccess(ctx context.Context, actor Actor, documentID, level, role string) (PermissionsView, error) {
	doc, _, err := s.authorize(ctx, actor, documentID, rbac.ActionShare)
	if err != nil {
		return PermissionsView{}, err
	}
	accessLevel := store.GeneralAccess(strings.ToUpper(strings.TrimSpace(level)))
	if !accessLevel.Valid() {
		return PermissionsView{}, validationError("generalAccess must be PRIVATE or PUBLIC", nil)
	}
	publicRole := doc.PublicRole
	if strings.TrimSpace(role) != "" {
		parsed, ok := rbac.ParseRole(role)
		if !ok || !grantable(parsed) {
			return PermissionsView{}, validationError("role must be GUEST, VIEWER or EDITOR", nil)
		}
		publicRole = parsed
	}

	if err := s.store.SetGeneralAccess(ctx, documentID, accessLevel, publicRole); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PermissionsView{}, errDocumentNotFound
		}
		return PermissionsView{}, fmt.Errorf("set general access: %w", err)
	}
	s.invalidateRollups(ctx, documentID)
	doc.GeneralAccess = accessLevel
	doc.PublicRole = publicRole
	return s.permissions(ctx, doc)
}

func (s *Service) ListPermissions(ctx context.Context, actor Actor, documentID string) (PermissionsView, error) {
	doc, _, err := s.authorize(ctx, actor, documentID, rbac.ActionRead)
	if err != nil {
		return PermissionsView{}, err
	}
	return s.permissions(ctx, doc)
}

// SetPermission grants role to userID, or removes the grant when role is nil.
func (s *Service) SetPermission(ctx context.Context, actor Actor, documentID, userID string, role *string) (PermissionsView, error) {
	doc, _, err := s.authorize(ctx, actor, documentID, rbac.ActionShare)
	if err != nil {
		return PermissionsView{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PermissionsView{}, validationError("userId is required", nil)
	}
	if userID == doc.OwnerID {
		return PermissionsView{}, validationError("the owner's role cannot be changed", nil)
	}

	if role == nil {
		if err := s.store.DeletePermission(ctx, documentID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return PermissionsView{}, fmt.Errorf("remove permission: %w", err)
		}
		s.invalidateRollups(ctx, documentID)
		s.log.WithFields(logrus.Fields{"document_id": documentID, "user_id": userID}).Info("permission removed")
		return s.permissions(ctx, doc)
	}

	parsed, ok := rbac.ParseRole(*role)
	if !ok || !grantable(parsed) {
		return PermissionsView{}, validationError("role must be GUEST, VIEWER or EDITOR", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PermissionsView{}, validationError("unknown user", nil)
		}
		return PermissionsView{}, fmt.Errorf("load user: %w", err)
	}
	if err := s.store.UpsertPermission(ctx, documentID, userID, parsed); err != nil {
		return PermissionsView{}, fmt.Errorf("grant permission: %w", err)
	}
	s.invalidateRollups(ctx, documentID)
	s.log.WithFields(logrus.Fields{"document_id": documentID, "user_id": userID, "role": parsed}).Info("permission granted")
	return s.permissions(ctx, doc)
}

// EvaluateFormula previews a formula against ad-hoc property values. Failures yield a nil
// value and an empty display string.
func (s *Service) EvaluateFormula(expression string, properties map[string]any) ComputedValue {
	value := s.formulas.Evaluate(expression, properties)
	return ComputedValue{Value: value, Display: formula.FormatResult(value)}
}

func (s *Service) permissions(ctx context.Context, doc store.Document) (PermissionsView, error) {
	grants, err := s.store.ListPermissions(ctx, doc.ID)
	if err != nil {
		return PermissionsView{}, fmt.Errorf("list permissions: %w", err)
	}
	views := make([]GrantView, 0, len(grants))
	for _, grant := range grants {
		views = append(views, GrantView{UserID: grant.UserID, Role: grant.Role, UpdatedAt: grant.UpdatedAt})
	}
	return PermissionsView{
		DocumentID:    doc.ID,
		OwnerID:       doc.OwnerID,
		GeneralAccess: doc.GeneralAccess,
		PublicRole:    doc.PublicRole,
		Grants:        views,
	}, nil
}

func (s *Service) view(ctx context.Context, actor Actor, doc store.Document, role rbac.Role) DocumentView {
	values := doc.Values
	if values == nil {
		values = map[string]any{}
	}
	props := doc.Properties
	if props == nil {
		props = []store.PropertyDefinition{}
	}
	return DocumentView{
		ID:            doc.ID,
		OwnerID:       doc.OwnerID,
		Title:         doc.Title,
		Content:       doc.Content,
		GeneralAccess: doc.GeneralAccess,
		PublicRole:    doc.PublicRole,
		Role:          role,
		Properties:    props,
		Values:        values,
		Computed:      s.compute(ctx, actor, doc),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

// compute evaluates rollups first, then formulas in definition order. Formulas address
// properties by name and see every earlier computed result. Rollups only read related
// documents the actor may read.
func (s *Service) compute(ctx context.Context, actor Actor, doc store.Document) map[string]ComputedValue {
	computed := map[string]ComputedValue{}
	named := make(map[string]any, len(doc.Properties))
	for _, def := range doc.Properties {
		if def.Type == store.PropertyFormula || def.Type == store.PropertyRollup {
			continue
		}
		named[def.Name] = doc.Values[def.ID]
	}

	for _, def := range doc.Properties {
		if def.Type != store.PropertyRollup || def.Rollup == nil {
			continue
		}
		value := s.rollups.Calculate(ctx, actor.ID, doc, *def.Rollup)
		computed[def.ID] = ComputedValue{Value: value, Display: rollup.Format(value, rollup.Function(def.Rollup.Function))}
		named[def.Name] = value
	}

	for _, def := range doc.Properties {
		if def.Type != store.PropertyFormula {
			continue
		}
		value := s.formulas.Evaluate(def.Formula, named)
		computed[def.ID] = ComputedValue{Value: value, Display: formula.FormatResult(value)}
		named[def.Name] = value
	}
	return computed
}

func grantable(role rbac.Role) bool {
	return role == rbac.RoleGuest || role == rbac.RoleViewer || role == rbac.RoleEditor
}

var propertyTypes = map[store.PropertyType]struct{}{
	store.PropertyText:     {},
	store.PropertyNumber:   {},
	store.PropertySelect:   {},
	store.PropertyDate:     {},
	store.PropertyCheckbox: {},
	store.PropertyURL:      {},
	store.PropertyRelation: {},
	store.PropertyFormula:  {},
	store.PropertyRollup:   {},
}

func validateProperties(defs []store.PropertyDefinition) error {
	ids := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		if strings.TrimSpace(def.ID) == "" || strings.TrimSpace(def.Name) == "" {
			return validationError("every property needs an id and a name", map[string]any{"index": i})
		}
		if _, dup := ids[def.ID]; dup {
			return validationError("duplicate property id", map[string]any{"id": def.ID})
		}
		ids[def.ID] = struct{}{}
		if _, ok := propertyTypes[def.Type]; !ok {
			return validationError("unknown property type", map[string]any{"id": def.ID, "type": def.Type})
		}
		if def.Type == store.PropertyRollup {
			if def.Rollup == nil || def.Rollup.Relation == "" || def.Rollup.Property == "" {
				return validationError("rollup properties need a relation and a property", map[string]any{"id": def.ID})
			}
			if !rollup.Function(def.Rollup.Function).Valid() {
				return validationError("unknown rollup function", map[string]any{"id": def.ID, "function": def.Rollup.Function})
			}
		}
	}
	return nil
}

// validateValues rejects stored values for computed properties.
func validateValues(defs []store.PropertyDefinition, values map[string]any) error {
	for _, def := range defs {
		if def.Type != store.PropertyFormula && def.Type != store.PropertyRollup {
			continue
		}
		if _, ok := values[def.ID]; ok {
			return validationError("computed properties cannot be written", map[string]any{"id": def.ID})
		}
	}
	return nil
}
