// Package access decides what an actor may do with a document.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"pagewise/api/internal/logging"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/store"
)

// ErrAccessDenied is returned by Require when the actor lacks the role for the action.
var ErrAccessDenied = errors.New("access denied")

type documentReader interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	GetPermission(ctx context.Context, documentID, userID string) (store.PermissionGrant, error)
}

// DecisionRecorder observes authorization outcomes. result is one of allow, deny or error.
type DecisionRecorder interface {
	ObserveAuthorization(action rbac.Action, result string)
}

// Resolver reads ownership, grants and general access fresh on every call.
type Resolver struct {
	store    documentReader
	log      logrus.FieldLogger
	recorder DecisionRecorder
}

type Option func(*Resolver)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func WithRecorder(recorder DecisionRecorder) Option {
	return func(r *Resolver) {
		r.recorder = recorder
	}
}

func NewResolver(store documentReader, opts ...Option) *Resolver {
	r := &Resolver{store: store, log: logging.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectiveRole returns the highest role actorID holds on the document. An empty actorID is
// anonymous. found is false when the document does not exist.
func (r *Resolver) EffectiveRole(ctx context.Context, actorID, documentID string) (role rbac.Role, found bool, err error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.RoleNone, false, nil
	}
	if err != nil {
		return rbac.RoleNone, false, fmt.Errorf("load document: %w", err)
	}
	role, err = r.roleFor(ctx, actorID, doc)
	if err != nil {
		return rbac.RoleNone, true, err
	}
	return role, true, nil
}

// RoleForDocument computes the effective role against an already loaded document.
func (r *Resolver) RoleForDocument(ctx context.Context, actorID string, doc store.Document) (rbac.Role, error) {
	return r.roleFor(ctx, actorID, doc)
}

func (r *Resolver) roleFor(ctx context.Context, actorID string, doc store.Document) (rbac.Role, error) {
	role := rbac.RoleNone
	if actorID != "" {
		if actorID == doc.OwnerID {
			role = rbac.RoleOwner
		} else {
			grant, err := r.store.GetPermission(ctx, doc.ID, actorID)
			switch {
			case err == nil:
				role = grant.Role
			case errors.Is(err, store.ErrNotFound):
			default:
				return rbac.RoleNone, fmt.Errorf("load permission: %w", err)
			}
		}
	}
	if doc.GeneralAccess == store.AccessPublic {
		role = rbac.HigherRole(role, doc.PublicRole)
	}
	return role, nil
}

// Authorize reports whether actorID may perform action on the document. A missing document is
// a plain denial; storage failures are returned as errors.
func (r *Resolver) Authorize(ctx context.Context, actorID, documentID string, action rbac.Action) (bool, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		r.record(actorID, documentID, action, rbac.RoleNone, false)
		return false, nil
	}
	if err != nil {
		return false, r.failed(documentID, action, fmt.Errorf("load document: %w", err))
	}
	_, allowed, err := r.Decide(ctx, actorID, doc, action)
	return allowed, err
}

// Decide authorizes action against an already loaded document and returns the role it used.
func (r *Resolver) Decide(ctx context.Context, actorID string, doc store.Document, action rbac.Action) (rbac.Role, bool, error) {
	role, err := r.roleFor(ctx, actorID, doc)
	if err != nil {
		return rbac.RoleNone, false, r.failed(doc.ID, action, err)
	}
	allowed := rbac.Can(role, action)
	r.record(actorID, doc.ID, action, role, allowed)
	return role, allowed, nil
}

func (r *Resolver) failed(documentID string, action rbac.Action, err error) error {
	r.observe(action, "error")
	r.log.WithError(err).WithFields(logrus.Fields{
		"document_id": documentID,
		"action":      action,
	}).Warn("authorization lookup failed")
	return err
}

func (r *Resolver) record(actorID, documentID string, action rbac.Action, role rbac.Role, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	r.observe(action, result)
	r.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"actor_id":    actorID,
		"action":      action,
		"role":        role,
		"result":      result,
	}).Debug("authorization decision")
}

// Require is Authorize with denial turned into ErrAccessDenied.
func (r *Resolver) Require(ctx context.Context, actorID, documentID string, action rbac.Action) error {
	allowed, err := r.Authorize(ctx, actorID, documentID, action)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrAccessDenied
	}
	return nil
}

func (r *Resolver) observe(action rbac.Action, result string) {
	if r.recorder != nil {
		r.recorder.ObserveAuthorization(action, result)
	}
}
