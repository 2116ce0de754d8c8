package app

import (
	"context"
	"time"

	"baseline/api/internal/archive"
	"baseline/api/internal/auth"
	"baseline/api/internal/config"
	"baseline/api/internal/rbac"
	"baseline/api/internal/search"
	"baseline/api/internal/store"
	"baseline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the persistence surface the service depends on. Satisfied
// by store.PostgresStore in production and by fakes in tests.
type dataStore interface {
	Ping(ctx context.Context) error

	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	GetProjectRole(context.Context, string, string) (string, error)
	UpsertProjectMember(context.Context, store.ProjectMember) error

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	GetArtifact(context.Context, string) (store.Artifact, error)
	GetCurrentArtifact(context.Context, string, store.ArtifactType) (*store.Artifact, error)
	ListCurrentArtifacts(context.Context, string) ([]store.Artifact, error)
	ListLineage(context.Context, string) ([]store.Artifact, error)
	InsertFirstVersion(context.Context, store.Artifact) (store.Artifact, error)
	InsertRevision(context.Context, store.RevisionInput) (store.Artifact, error)
	UpdateArtifactContent(context.Context, string, string) error
	UpdateArtifactTitle(context.Context, string, string) error
	UpdateArtifactContentJSON(context.Context, string, string) error
	MarkSubmitted(context.Context, string, string) error
	MarkApproved(context.Context, string, string) error
	MarkChangesRequested(context.Context, string, string, string) error
	MarkRejected(context.Context, string, string, string) error
	PromoteBaseline(context.Context, string, string) (store.Artifact, error)

	ListActiveSteps(context.Context, string) ([]store.ApprovalStep, error)
	InsertApprovalStep(context.Context, store.ApprovalStep) (store.ApprovalStep, error)
	UpsertDecision(context.Context, store.ApprovalDecision) error
	CountStepApprovals(context.Context, string, string) (int, error)
	ListDecisions(context.Context, string) ([]store.ApprovalDecision, error)
	DeleteDecisions(context.Context, string) error

	IsActiveApprover(context.Context, string, string) (bool, error)
	CountActiveApprovers(context.Context, string) (int, error)
	UpsertProjectApprover(context.Context, store.ProjectApprover) error
	HasActiveDelegationTo(context.Context, string, string, time.Time) (bool, error)
	InsertDelegation(context.Context, store.ApprovalDelegation) error
	GetDelegation(context.Context, string) (store.ApprovalDelegation, error)
	DeleteDelegation(context.Context, string) (bool, error)
	ListDelegations(context.Context, string) ([]store.ApprovalDelegation, error)

	InsertSuggestion(context.Context, store.ArtifactSuggestion) error
	GetSuggestion(context.Context, string) (store.ArtifactSuggestion, error)
	ListSuggestions(context.Context, string) ([]store.ArtifactSuggestion, error)
	UpdateSuggestionStatus(context.Context, string, store.SuggestionStatus) error

	InsertAuditLog(context.Context, store.AuditLogEntry) error
	ListAuditLog(context.Context, string, string, int) ([]store.AuditLogEntry, error)
}

// sessionStore holds refresh tokens. Redis in production, with the
// Postgres tables as the fallback when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexArtifact(record search.ArtifactRecord)
	DeleteArtifact(id string)
}

type archiveService interface {
	StoreBaseline(ctx context.Context, snapshot archive.Snapshot) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchService
	archive  archiveService
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, archiveService *archive.Service) *Service {
	service := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		now:      time.Now,
	}
	if searchService != nil {
		service.search = searchService
	}
	if archiveService != nil {
		service.archive = archiveService
	}
	return service
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service, archiveService *archive.Service) *Service {
	service := New(cfg, dataStore, searchService, archiveService)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo project with members, an approver roster and a
// two-step workflow so a fresh install is immediately usable. Safe to run
// on every boot.
func (s *Service) Bootstrap(ctx context.Context) error {
	const projectID = "proj-atlas"
	if _, err := s.store.GetProject(ctx, projectID); err == nil {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	if err := s.store.InsertProject(ctx, store.Project{
		ID:        projectID,
		Name:      "Atlas Migration",
		CreatedBy: owner.ID,
	}); err != nil {
		return err
	}

	members := []struct {
		Name string
		Role string
	}{
		{Name: "Avery", Role: string(rbac.RoleOwner)},
		{Name: "Blake", Role: string(rbac.RoleEditor)},
		{Name: "Casey", Role: string(rbac.RoleViewer)},
		{Name: "Devon", Role: string(rbac.RoleViewer)},
	}
	approvers := map[string]bool{"Casey": true, "Devon": true}

	for _, member := range members {
		user, err := s.store.EnsureUserByName(ctx, member.Name)
		if err != nil {
			return err
		}
		if err := s.store.UpsertProjectMember(ctx, store.ProjectMember{
			ProjectID: projectID,
			UserID:    user.ID,
			Role:      member.Role,
		}); err != nil {
			return err
		}
		if approvers[member.Name] {
			if err := s.store.UpsertProjectApprover(ctx, store.ProjectApprover{
				ProjectID: projectID,
				UserID:    user.ID,
				IsActive:  true,
			}); err != nil {
				return err
			}
		}
	}

	steps := []store.ApprovalStep{
		{ID: util.NewID("step"), ProjectID: projectID, StepOrder: 1, StepName: "Review", RequiresAll: true},
		{ID: util.NewID("step"), ProjectID: projectID, StepOrder: 2, StepName: "Sign-off", MinApprovals: intPtr(1)},
	}
	for _, step := range steps {
		if _, err := s.store.InsertApprovalStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := trimOr(name, "User")
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user id; resolve the display name
	// so the reissued token carries complete claims.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Search(ctx context.Context, session Session, text, projectID, filterType string, limit, offset int) (search.Response, error) {
	if projectID != "" {
		if _, err := s.effectiveRole(ctx, projectID, session.UserID); err != nil {
			return search.Response{}, err
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		ProjectID:  projectID,
		FilterType: filterType,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func intPtr(v int) *int {
	return &v
}
