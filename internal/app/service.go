package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pagewise/api/internal/access"
	"pagewise/api/internal/auth"
	"pagewise/api/internal/config"
	"pagewise/api/internal/email"
	"pagewise/api/internal/formula"
	"pagewise/api/internal/invite"
	"pagewise/api/internal/logging"
	"pagewise/api/internal/metrics"
	"pagewise/api/internal/rbac"
	"pagewise/api/internal/rollup"
	"pagewise/api/internal/secret"
	"pagewise/api/internal/store"
	"pagewise/api/internal/util"
)

// Actor is the caller of a service operation. An empty ID is an anonymous caller.
type Actor struct {
	ID    string
	Email string
	Name  string
}

func (a Actor) Authenticated() bool { return a.ID != "" }

type dataStore interface {
	Ping(context.Context) error

	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentsBatch(context.Context, []string) ([]store.Document, error)
	CreateDocument(context.Context, store.Document) (store.Document, error)
	UpdateDocument(context.Context, string, store.DocumentPatch) (store.Document, error)
	SetGeneralAccess(context.Context, string, store.GeneralAccess, rbac.Role) error
	SoftDeleteDocument(context.Context, string) error

	GetPermission(context.Context, string, string) (store.PermissionGrant, error)
	ListPermissions(context.Context, string) ([]store.PermissionGrant, error)
	UpsertPermission(context.Context, string, string, rbac.Role) error
	DeletePermission(context.Context, string, string) error

	CreateInvitation(context.Context, store.Invitation) error
	GetInvitation(context.Context, string) (store.Invitation, error)
	AcceptInvitation(context.Context, string, string, time.Time) error
	DeleteInvitation(context.Context, string) error
	DeletePendingInvitationsExpiredBefore(context.Context, time.Time) (int64, error)

	GetUserByID(context.Context, string) (store.User, error)
	EnsureUser(context.Context, store.User) (store.User, error)

	SaveAPIKey(context.Context, string, string) error
	GetAPIKey(context.Context, string) (string, error)
	DeleteAPIKey(context.Context, string) error
}

// RollupCache is a rollup.Cache that can drop entries by document.
type RollupCache interface {
	rollup.Cache
	InvalidateDocument(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	access   *access.Resolver
	invites  *invite.Service
	rollups  *rollup.Aggregator
	formulas *formula.Engine
	cache    RollupCache
	cipher   *secret.Cipher
	tokens   *auth.Tokens
	mail     *email.Service
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRollupCache(cache RollupCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithMailer(mail *email.Service) Option {
	return func(s *Service) { s.mail = mail }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the resolver, invitation lifecycle, rollup aggregator and formula engine over
// dataStore.
func New(cfg config.Config, dataStore dataStore, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		tokens: auth.NewTokens(cfg.TokenSecret),
		log:    logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if strings.TrimSpace(cfg.EncryptionKey) != "" {
		cipher, err := secret.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("configure api key cipher: %w", err)
		}
		s.cipher = cipher
	}

	accessOpts := []access.Option{access.WithLogger(s.log.WithField("component", "access"))}
	inviteOpts := []invite.Option{
		invite.WithLogger(s.log.WithField("component", "invite")),
		invite.WithTTL(cfg.InvitationTTL),
		invite.WithClock(s.now),
	}
	rollupOpts := []rollup.Option{
		rollup.WithLogger(s.log.WithField("component", "rollup")),
		rollup.WithBatchSize(cfg.RollupBatchSize),
		rollup.WithParallelism(cfg.RollupParallelism),
	}
	formulaOpts := formula.Options{
		MaxLength:     cfg.FormulaMaxLength,
		Timeout:       cfg.FormulaTimeout,
		Location:      cfg.Location(),
		CalendarDates: cfg.FormulaCalendarDates,
		Now:           s.now,
	}
	if s.metrics != nil {
		accessOpts = append(accessOpts, access.WithRecorder(s.metrics))
		inviteOpts = append(inviteOpts, invite.WithRecorder(s.metrics))
		rollupOpts = append(rollupOpts, rollup.WithRecorder(s.metrics))
		formulaOpts.Reporter = s.metrics.FormulaReporter(s.log.WithField("component", "formula"))
	} else {
		formulaOpts.Reporter = logReporter(s.log.WithField("component", "formula"))
	}
	if s.mail != nil && s.mail.IsConfigured() {
		inviteOpts = append(inviteOpts, invite.WithNotifier(&mailNotifier{
			mail:   s.mail,
			users:  dataStore,
			appURL: cfg.AppURL,
		}))
	}
	if s.cache != nil {
		rollupOpts = append(rollupOpts, rollup.WithCache(s.cache))
	}

	s.access = access.NewResolver(dataStore, accessOpts...)
	s.invites = invite.NewService(dataStore, s.access, inviteOpts...)
	s.rollups = rollup.New(dataStore, s.access, rollupOpts...)
	s.formulas = formula.New(formulaOpts)
	return s, nil
}

func logReporter(log logrus.FieldLogger) formula.Reporter {
	return formula.ReporterFunc(func(f formula.Failure) {
		log.WithError(f.Err).WithFields(logrus.Fields{
			"formula":       f.Formula,
			"property_keys": f.PropertyKeys,
			"reason":        f.Reason,
		}).Warn("formula evaluation failed")
	})
}

// Authenticate verifies a bearer token and records the user it names.
func (s *Service) Authenticate(ctx context.Context, token string) (Actor, error) {
	id, err := s.tokens.Verify(token)
	if err != nil {
		return Actor{}, err
	}
	user, err := s.store.EnsureUser(ctx, store.User{ID: id.UserID, Email: id.Email, DisplayName: id.Name})
	if err != nil {
		return Actor{}, fmt.Errorf("ensure user: %w", err)
	}
	return Actor{ID: user.ID, Email: user.Email, Name: user.DisplayName}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache checks the rollup cache. configured is false when none is set up.
func (s *Service) PingCache(ctx context.Context) (configured bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

// PurgeExpiredInvitations is run on the configured schedule.
func (s *Service) PurgeExpiredInvitations(ctx context.Context) (int64, error) {
	return s.invites.PurgeExpired(ctx, s.cfg.InvitationPurgeGrace)
}

// authorize loads the document and checks action against it. A missing or soft-deleted
// document is NotFound; a denial is access.ErrAccessDenied.
func (s *Service) authorize(ctx context.Context, actor Actor, documentID string, action rbac.Action) (store.Document, rbac.Role, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, rbac.RoleNone, errDocumentNotFound
	}
	if err != nil {
		return store.Document{}, rbac.RoleNone, fmt.Errorf("load document: %w", err)
	}
	role, allowed, err := s.access.Decide(ctx, actor.ID, doc, action)
	if err != nil {
		return store.Document{}, rbac.RoleNone, err
	}
	if !allowed {
		return store.Document{}, role, access.ErrAccessDenied
	}
	return doc, role, nil
}

func (s *Service) invalidateRollups(ctx context.Context, documentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateDocument(ctx, documentID); err != nil {
		s.log.WithError(err).WithField("document_id", documentID).Warn("rollup cache invalidation failed")
	}
}

func newDocumentID() string {
	return util.NewID("doc")
}
