package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pagewise/api/internal/email"
	"pagewise/api/internal/invite"
	"pagewise/api/internal/store"
)

type userDirectory interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// mailNotifier mails the invitee a link carrying the invitation token.
type mailNotifier struct {
	mail   *email.Service
	users  userDirectory
	appURL string
}

func (n *mailNotifier) NotifyInvitation(ctx context.Context, inv invite.Invitation, token string) error {
	inviterName := "Someone"
	inviter, err := n.users.GetUserByID(ctx, inv.InviterID)
	switch {
	case err == nil:
		inviterName = firstNonEmpty(inviter.DisplayName, inviter.Email, inviterName)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load inviter: %w", err)
	}

	return n.mail.SendInvitationEmail(inv.Email, email.InvitationData{
		InviterName: inviterName,
		Role:        string(inv.Role),
		AcceptURL:   acceptURL(n.appURL, inv.ID, token),
		ExpiresOn:   inv.ExpiresAt.Format("January 2, 2006"),
	})
}

func acceptURL(appURL, invitationID, token string) string {
	base := strings.TrimRight(appURL, "/")
	return fmt.Sprintf("%s/invitations/%s?token=%s", base, url.PathEscape(invitationID), url.QueryEscape(token))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
