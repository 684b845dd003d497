// Package invite manages sharing invitations and the grants they materialize.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"pagewise/api/internal/logging"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/store"
	"pagewise/api/internal/util"
)

var (
	ErrNotFound     = errors.New("invitation not found")
	ErrExpired      = errors.New("invitation expired")
	ErrInvalidState = errors.New("invitation already accepted")
	ErrForbidden    = errors.New("invitation belongs to another user")
	ErrValidation   = errors.New("invalid invitation")
)

const DefaultTTL = 7 * 24 * time.Hour

type invitationStore interface {
	CreateInvitation(ctx context.Context, inv store.Invitation) error
	GetInvitation(ctx context.Context, id string) (store.Invitation, error)
	// AcceptInvitation marks a PENDING invitation ACCEPTED and upserts its grant atomically.
	// It returns store.ErrConflict when the invitation is no longer pending.
	AcceptInvitation(ctx context.Context, id, userID string, acceptedAt time.Time) error
	DeleteInvitation(ctx context.Context, id string) error
	DeletePendingInvitationsExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

type authorizer interface {
	Require(ctx context.Context, actorID, documentID string, action rbac.Action) error
}

// Notifier delivers a freshly created invitation and its token to the invitee.
type Notifier interface {
	NotifyInvitation(ctx context.Context, inv Invitation, token string) error
}

// TransitionRecorder observes lifecycle transitions: created, accepted, rejected, purged.
type TransitionRecorder interface {
	ObserveInvitation(transition string, count int)
}

// Invitation is the stored invitation with its read-time expiry state.
type Invitation struct {
	store.Invitation
	Expired bool
}

// Created is returned once by Create. Token is not stored and cannot be recovered later.
type Created struct {
	Invitation Invitation
	Token      string
}

type Service struct {
	store    invitationStore
	access   authorizer
	notifier Notifier
	recorder TransitionRecorder
	log      logrus.FieldLogger
	ttl      time.Duration
	hashCost int
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithRecorder(r TransitionRecorder) Option { return func(s *Service) { s.recorder = r } }

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = logging.OrDiscard(log) }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithHashCost sets the bcrypt cost used for stored token hashes.
func WithHashCost(cost int) Option { return func(s *Service) { s.hashCost = cost } }

func NewService(st invitationStore, access authorizer, opts ...Option) *Service {
	s := &Service{
		store:    st,
		access:   access,
		log:      logging.Discard(),
		ttl:      DefaultTTL,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create invites email to the document with the given role. The inviter must hold SHARE.
func (s *Service) Create(ctx context.Context, documentID, inviterID, email, role string) (Created, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return Created{}, fmt.Errorf("%w: email is required", ErrValidation)
	}
	proposed, ok := rbac.ParseRole(role)
	if !ok || (proposed != rbac.RoleEditor && proposed != rbac.RoleViewer) {
		return Created{}, fmt.Errorf("%w: role must be EDITOR or VIEWER", ErrValidation)
	}
	if err := s.access.Require(ctx, inviterID, documentID, rbac.ActionShare); err != nil {
		return Created{}, err
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return Created{}, fmt.Errorf("generate invitation token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.hashCost)
	if err != nil {
		return Created{}, fmt.Errorf("hash invitation token: %w", err)
	}

	now := s.now().UTC()
	inv := store.Invitation{
		ID:         util.NewID("inv"),
		DocumentID: documentID,
		InviterID:  inviterID,
		Email:      email,
		Role:       proposed,
		TokenHash:  string(hash),
		Status:     store.InvitationPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return Created{}, fmt.Errorf("create invitation: %w", err)
	}
	s.observe("created", 1)

	created := Created{Invitation: Invitation{Invitation: inv}, Token: token}
	entry := s.log.WithFields(logrus.Fields{
		"invitation_id": inv.ID,
		"document_id":   documentID,
		"role":          proposed,
	})
	if s.notifier != nil {
		if err := s.notifier.NotifyInvitation(ctx, created.Invitation, token); err != nil {
			entry.WithError(err).Warn("invitation mail not delivered")
		}
	}
	entry.Info("invitation created")
	return created, nil
}

// Get returns the invitation with Expired derived from the current time.
func (s *Service) Get(ctx context.Context, id string) (Invitation, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	return Invitation{Invitation: inv, Expired: s.expired(inv)}, nil
}

// Lookup is Get for a caller presenting the invitation token instead of holding SHARE.
func (s *Service) Lookup(ctx context.Context, id, token string) (Invitation, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(inv.TokenHash), []byte(token)) != nil {
		return Invitation{}, ErrForbidden
	}
	return Invitation{Invitation: inv, Expired: s.expired(inv)}, nil
}

// Accept grants the invitation's role to userID. token must match the one returned by Create.
// The invitation moves to ACCEPTED exactly once; a concurrent second accept gets
// ErrInvalidState. An invitation whose document is gone is ErrNotFound.
func (s *Service) Accept(ctx context.Context, id, userID, token string) (Invitation, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(inv.TokenHash), []byte(token)) != nil {
		return Invitation{}, ErrForbidden
	}
	if s.expired(inv) {
		return Invitation{}, ErrExpired
	}
	if inv.Status == store.InvitationAccepted {
		return Invitation{}, ErrInvalidState
	}

	if _, err := s.store.GetDocument(ctx, inv.DocumentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, fmt.Errorf("load invited document: %w", err)
	}

	acceptedAt := s.now().UTC()
	if err := s.store.AcceptInvitation(ctx, inv.ID, userID, acceptedAt); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return Invitation{}, ErrInvalidState
		case errors.Is(err, store.ErrNotFound):
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, fmt.Errorf("accept invitation: %w", err)
	}
	inv.Status = store.InvitationAccepted
	inv.AcceptedBy = &userID
	inv.AcceptedAt = &acceptedAt
	s.observe("accepted", 1)
	s.log.WithFields(logrus.Fields{
		"invitation_id": inv.ID,
		"document_id":   inv.DocumentID,
		"user_id":       userID,
		"role":          inv.Role,
	}).Info("invitation accepted")
	return Invitation{Invitation: inv}, nil
}

// Reject deletes the invitation when userID's email matches the invitee.
func (s *Service) Reject(ctx context.Context, id, userID string) error {
	inv, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("load rejecting user: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), inv.Email) {
		return ErrForbidden
	}
	if err := s.store.DeleteInvitation(ctx, inv.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete invitation: %w", err)
	}
	s.observe("rejected", 1)
	s.log.WithField("invitation_id", inv.ID).Info("invitation rejected")
	return nil
}

// Delete removes the invitation without any ownership check.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteInvitation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete invitation: %w", err)
	}
	return nil
}

// PurgeExpired deletes pending invitations that expired more than grace ago.
func (s *Service) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-grace)
	count, err := s.store.DeletePendingInvitationsExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge invitations: %w", err)
	}
	if count > 0 {
		s.observe("purged", int(count))
		s.log.WithField("count", count).Info("purged expired invitations")
	}
	return count, nil
}

func (s *Service) load(ctx context.Context, id string) (store.Invitation, error) {
	inv, err := s.store.GetInvitation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Invitation{}, ErrNotFound
	}
	if err != nil {
		return store.Invitation{}, fmt.Errorf("load invitation: %w", err)
	}
	return inv, nil
}

func (s *Service) expired(inv store.Invitation) bool {
	return s.now().After(inv.ExpiresAt)
}

func (s *Service) observe(transition string, count int) {
	if s.recorder != nil {
		s.recorder.ObserveInvitation(transition, count)
	}
}

func generateSecureToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
