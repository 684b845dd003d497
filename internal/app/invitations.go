package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"pagewise/api/internal/invite"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/store"
)

type InvitationView struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"documentId"`
	InviterID  string                 `json:"inviterId"`
	Email      string                 `json:"email"`
	Role       rbac.Role              `json:"role"`
	Status     store.InvitationStatus `json:"status"`
	Expired    bool                   `json:"expired"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  time.Time              `json:"expiresAt"`
	AcceptedBy *string                `json:"acceptedBy,omitempty"`
	AcceptedAt *time.Time             `json:"acceptedAt,omitempty"`
}

// ShareResult is returned once when an invitation is created. The token and accept URL
// are included only when no mailer is configured to deliver them.
type ShareResult struct {
	Invitation InvitationView `json:"invitation"`
	Token      string         `json:"token,omitempty"`
	AcceptURL  string         `json:"acceptUrl,omitempty"`
}

func invitationView(inv invite.Invitation) InvitationView {
	return InvitationView{
		ID:         inv.ID,
		DocumentID: inv.DocumentID,
		InviterID:  inv.InviterID,
		Email:      inv.Email,
		Role:       inv.Role,
		Status:     inv.Status,
		Expired:    inv.Expired,
		CreatedAt:  inv.CreatedAt,
		ExpiresAt:  inv.ExpiresAt,
		AcceptedBy: inv.AcceptedBy,
		AcceptedAt: inv.AcceptedAt,
	}
}

func (s *Service) mailConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// ShareDocument invites email to the document. The actor must hold SHARE.
func (s *Service) ShareDocument(ctx context.Context, actor Actor, documentID, email, role string) (ShareResult, error) {
	if !actor.Authenticated() {
		return ShareResult{}, errUnauthenticated
	}
	created, err := s.invites.Create(ctx, documentID, actor.ID, email, role)
	if err != nil {
		return ShareResult{}, err
	}
	result := ShareResult{Invitation: invitationView(created.Invitation)}
	if !s.mailConfigured() {
		result.Token = created.Token
		result.AcceptURL = acceptURL(s.cfg.AppURL, created.Invitation.ID, created.Token)
	}
	return result, nil
}

// GetInvitation returns an invitation to a caller presenting its token, or to an actor
// holding SHARE on the invited document.
func (s *Service) GetInvitation(ctx context.Context, actor Actor, id, token string) (InvitationView, error) {
	if strings.TrimSpace(token) != "" {
		inv, err := s.invites.Lookup(ctx, id, token)
		if err != nil {
			return InvitationView{}, err
		}
		return invitationView(inv), nil
	}
	if !actor.Authenticated() {
		return InvitationView{}, errUnauthenticated
	}
	inv, err := s.invites.Get(ctx, id)
	if err != nil {
		return InvitationView{}, err
	}
	if err := s.requireShare(ctx, actor, inv.DocumentID); err != nil {
		return InvitationView{}, err
	}
	return invitationView(inv), nil
}

func (s *Service) AcceptInvitation(ctx context.Context, actor Actor, id, token string) (InvitationView, error) {
	if !actor.Authenticated() {
		return InvitationView{}, errUnauthenticated
	}
	if strings.TrimSpace(token) == "" {
		return InvitationView{}, validationError("token is required", nil)
	}
	inv, err := s.invites.Accept(ctx, id, actor.ID, token)
	if err != nil {
		return InvitationView{}, err
	}
	s.invalidateRollups(ctx, inv.DocumentID)
	return invitationView(inv), nil
}

func (s *Service) RejectInvitation(ctx context.Context, actor Actor, id string) error {
	if !actor.Authenticated() {
		return errUnauthenticated
	}
	return s.invites.Reject(ctx, id, actor.ID)
}

// DeleteInvitation revokes an invitation. The actor must hold SHARE on its document.
func (s *Service) DeleteInvitation(ctx context.Context, actor Actor, id string) error {
	if !actor.Authenticated() {
		return errUnauthenticated
	}
	inv, err := s.invites.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireShare(ctx, actor, inv.DocumentID); err != nil {
		return err
	}
	return s.invites.Delete(ctx, id)
}

// requireShare hides documents the actor cannot see behind the invitation's own NotFound.
func (s *Service) requireShare(ctx context.Context, actor Actor, documentID string) error {
	_, _, err := s.authorize(ctx, actor, documentID, rbac.ActionShare)
	if errors.Is(err, errDocumentNotFound) {
		return invite.ErrNotFound
	}
	return err
}
