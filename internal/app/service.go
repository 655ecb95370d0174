package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wiki/api/internal/auth"
	"wiki/api/internal/authpw"
	"wiki/api/internal/config"
	"wiki/api/internal/email"
	"wiki/api/internal/policy"
	"wiki/api/internal/revisions"
	"wiki/api/internal/search"
	"wiki/api/internal/store"
	"wiki/api/internal/util"
)

// Actor is the authenticated user a request acts for. The zero value is
// anonymous.
type Actor struct {
	UserID    string
	TeamID    string
	Name      string
	Email     string
	Role      policy.Role
	JTI       string
	ExpiresAt time.Time
	IP        string
}

func (a Actor) Authenticated() bool {
	return a.UserID != ""
}

type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         store.User
}

type dataStore interface {
	Transaction(context.Context, func(context.Context) error) error
	Ping(context.Context) error

	InsertTeam(context.Context, store.Team) error
	InsertUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CountUsers(context.Context) (int, error)
	GetGroup(context.Context, string) (store.Group, error)
	ListGroupIDsForUser(context.Context, string) ([]string, error)

	InsertCollection(context.Context, store.Collection) error
	GetCollection(context.Context, string) (store.Collection, error)
	ListCollections(context.Context, string) ([]store.Collection, error)
	UpdateCollectionStructure(context.Context, string, []store.NavigationNode) error
	AddCollectionUser(context.Context, store.CollectionUser) error
	GetCollectionGroup(context.Context, string, string) (store.CollectionGroup, error)
	CollectionMemberships(context.Context, string) (map[string]store.CollectionMembership, error)

	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string, bool) (store.Document, error)
	UpdateDocument(context.Context, store.Document) error
	UpdateDocumentAtRevision(context.Context, store.Document, int) error
	DescendantIDs(context.Context, string, bool) ([]string, error)
	SetArchivedAt(context.Context, []string, *time.Time) error
	SetDeletedAt(context.Context, []string, *time.Time) error
	SetCollectionID(context.Context, []string, string) error
	DetachChildren(context.Context, string) error
	DeleteDocument(context.Context, string) error
	ListDocuments(context.Context, store.DocumentQuery) ([]store.Document, error)

	GetDocumentUser(context.Context, string, string) (store.DocumentUser, error)
	InsertDocumentUser(context.Context, store.DocumentUser) error
	UpdateDocumentUserPermission(context.Context, string, string) error
	DeleteDocumentUser(context.Context, string) error
	ListDocumentUsers(context.Context, string) ([]store.DocumentUser, error)
	ListDocumentUsersForUser(context.Context, string) ([]store.DocumentUser, error)
	GetDocumentGroup(context.Context, string, string) (store.DocumentGroup, error)
	InsertDocumentGroup(context.Context, store.DocumentGroup) error
	UpdateDocumentGroupPermission(context.Context, string, string) error
	DeleteDocumentGroup(context.Context, string) error
	ListDocumentGroups(context.Context, string) ([]store.DocumentGroup, error)
	DocumentOverrides(context.Context, string, []string, []string) (map[string][]string, error)
	GetDocumentInit(context.Context, string) (store.DocumentInit, error)
	InsertDocumentInit(context.Context, store.DocumentInit) error

	InsertEvent(context.Context, store.Event) error
	InsertSearchQuery(context.Context, store.SearchQuery) error

	sessionStore
}

// sessionStore is satisfied by both the Postgres store and the Redis store.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type revisionStore interface {
	Commit(string, revisions.Content, revisions.Author, string) (revisions.Revision, error)
	Get(string, string) (revisions.Revision, error)
	History(string, int) ([]revisions.Revision, error)
	Remove(string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) (search.Response, error)
	IndexDocument(search.DocumentRecord)
	IndexDocuments([]search.DocumentRecord)
	DeleteDocument(string)
}

type mailer interface {
	IsConfigured() bool
	SendDocumentSharedEmail(string, email.DocumentSharedData) error
}

type blobArchiver interface {
	Archive(ctx context.Context, key, contentType string, data []byte) error
	RemovePrefix(ctx context.Context, prefix string) error
}

// Options carries the optional collaborators of a Service. Nil fields disable
// the matching feature.
type Options struct {
	Sessions sessionStore
	Search   *search.Service
	Mailer   *email.Service
	Blobs    blobArchiver
	Logger   zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	revisions revisionStore
	search    searchIndex
	mailer    mailer
	blobs     blobArchiver
	passwords *authpw.Service
	logger    zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, revs *revisions.Service, opts Options) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		revisions: revs,
		passwords: authpw.NewService(dataStore),
		logger:    opts.Logger.With().Str("component", "app").Logger(),
		now:       utcNow,
	}
	if opts.Sessions != nil {
		s.sessions = opts.Sessions
	}
	if opts.Search != nil {
		s.search = opts.Search
	}
	if opts.Mailer != nil && opts.Mailer.IsConfigured() {
		s.mailer = opts.Mailer
	}
	if opts.Blobs != nil {
		s.blobs = opts.Blobs
	}
	return s
}

// utcNow truncates to microseconds, the precision Postgres stores.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates the first team, its administrator and a starter
// collection when the database holds no users yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.BootstrapEmail == "" || s.cfg.BootstrapPassword == "" {
		return nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return s.store.Transaction(ctx, func(ctx context.Context) error {
		now := s.now()
		team := store.Team{ID: util.NewID(""), Name: s.cfg.BootstrapTeam, CreatedAt: now}
		if err := s.store.InsertTeam(ctx, team); err != nil {
			return err
		}
		admin, err := s.passwords.Register(ctx, authpw.RegisterRequest{
			TeamID:   team.ID,
			Name:     "Admin",
			Email:    s.cfg.BootstrapEmail,
			Password: s.cfg.BootstrapPassword,
			Role:     string(policy.RoleAdmin),
		})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		collection := store.Collection{
			ID:                util.NewID(""),
			TeamID:            team.ID,
			Name:              "Welcome",
			Permission:        string(policy.PermissionReadWrite),
			DocumentStructure: []store.NavigationNode{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.store.InsertCollection(ctx, collection); err != nil {
			return err
		}
		if err := s.store.AddCollectionUser(ctx, store.CollectionUser{
			CollectionID: collection.ID,
			UserID:       admin.ID,
			Permission:   string(policy.PermissionReadWrite),
		}); err != nil {
			return err
		}
		s.logger.Info().Str("team_id", team.ID).Str("email", admin.Email).Msg("bootstrapped first team")
		return nil
	})
}

func (s *Service) SignIn(ctx context.Context, emailAddress, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, emailAddress, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) || errors.Is(err, authpw.ErrMissingCredentials) {
			return Session{}, authenticationError("Invalid email or password")
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, authenticationError("Refresh token required")
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, authenticationError("Invalid refresh token")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, authenticationError("Invalid refresh token")
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, jti, auth.Claims{
		Name:   user.Name,
		Role:   user.Role,
		TeamID: user.TeamID,
	}, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, s.now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		AccessToken:  token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         user,
	}, nil
}

// ActorFromToken validates an access token and loads the acting user. Role
// and team come from the database so a demotion applies immediately.
func (s *Service) ActorFromToken(ctx context.Context, token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Actor{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Actor{}, err
	}
	if revoked {
		return Actor{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Actor{}, auth.ErrInvalidToken
	}
	return Actor{
		UserID:    user.ID,
		TeamID:    user.TeamID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      policy.Normalize(user.Role),
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, actor Actor, refreshToken string) error {
	if actor.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, actor.JTI, actor.ExpiresAt); err != nil {
			s.logger.Warn().Err(err).Str("user_id", actor.UserID).Msg("revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn().Err(err).Str("user_id", actor.UserID).Msg("revoke refresh session")
		}
	}
	return nil
}

// recordEvent appends to the audit log. Calls inside a transaction join it.
func (s *Service) recordEvent(ctx context.Context, actor Actor, name string, doc store.Document, data map[string]any) error {
	event := store.Event{
		ID:           util.NewID(""),
		Name:         name,
		DocumentID:   doc.ID,
		CollectionID: doc.CollectionIDValue(),
		TeamID:       doc.TeamID,
		ActorID:      actor.UserID,
		Data:         data,
		IP:           actor.IP,
		CreatedAt:    s.now(),
	}
	if userID, ok := data["userId"].(string); ok {
		event.UserID = userID
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return nil
}

func requireActor(actor Actor) error {
	if !actor.Authenticated() {
		return authenticationError("")
	}
	return nil
}
