package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"boilermate/api/internal/auth"
	"boilermate/api/internal/config"
	"boilermate/api/internal/merge"
	"boilermate/api/internal/session"
	"boilermate/api/internal/store"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token     string
	UserID    string
	JTI       string
	ExpiresAt time.Time
}

type mergeEngine interface {
	Open(ctx context.Context, initiatorUserID, counterpartUserID string) (store.MergeRequest, error)
	Vote(ctx context.Context, mergeRequestID int64, voterUserID string, approved bool) (merge.VoteResult, error)
	Finalize(ctx context.Context, mergeRequestID int64, callerUserID string) (merge.VoteResult, error)
	Get(ctx context.Context, mergeRequestID int64, viewerUserID string) (merge.Detail, error)
	SentRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error)
	ReceivedRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error)
}

type sessionStore interface {
	Save(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenID string) (session.Record, error)
	Revoke(ctx context.Context, tokenID string) error
	Ping(ctx context.Context) error
}

type userStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

type notifier interface {
	MergeRequestOpened(ctx context.Context, request store.MergeRequest)
	MergeRequestUpdated(ctx context.Context, request store.MergeRequest)
}

type Service struct {
	cfg      config.Config
	engine   mergeEngine
	sessions sessionStore
	users    userStore
	notifier notifier
	log      *zap.Logger

	// dispatch runs post-commit side effects off the request path.
	dispatch   func(func())
	background sync.WaitGroup
}

func New(cfg config.Config, engine *merge.Engine, sessions *session.RedisStore, users *store.PostgresStore, mailer notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		users:    users,
		notifier: mailer,
		log:      logger,
	}
	s.dispatch = s.runInBackground
	return s
}

func (s *Service) runInBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Drain waits for in-flight notifications, giving up when ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login issues a session for an existing user. It backs the development-only
// login route; production sessions come from the account service.
func (s *Service) Login(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "userId is required.")
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found.")
	}
	if err != nil {
		return Session{}, err
	}

	claims := auth.NewClaims(user.ID, s.cfg.AccessTTL, time.Now())
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, claims.JTI, user.ID, claims.ExpiresAt()); err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// SessionFromToken verifies the token signature and that its session record
// is still live and belongs to the token subject.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	record, err := s.sessions.Lookup(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if record.UserID != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, session.JTI)
}

func (s *Service) OpenMergeRequest(ctx context.Context, session Session, counterpartUserID string) (store.MergeRequest, error) {
	request, err := s.engine.Open(ctx, session.UserID, strings.TrimSpace(counterpartUserID))
	if err != nil {
		return store.MergeRequest{}, err
	}
	s.notify(func(ctx context.Context) { s.notifier.MergeRequestOpened(ctx, request) })
	return request, nil
}

func (s *Service) Vote(ctx context.Context, session Session, mergeRequestID int64, approved bool) (merge.VoteResult, error) {
	result, err := s.engine.Vote(ctx, mergeRequestID, session.UserID, approved)
	if err != nil {
		return merge.VoteResult{}, err
	}
	s.notifyTransition(result)
	return result, nil
}

func (s *Service) Finalize(ctx context.Context, session Session, mergeRequestID int64) (merge.VoteResult, error) {
	result, err := s.engine.Finalize(ctx, mergeRequestID, session.UserID)
	if err != nil {
		return merge.VoteResult{}, err
	}
	s.notifyTransition(result)
	return result, nil
}

func (s *Service) MergeRequest(ctx context.Context, session Session, mergeRequestID int64) (merge.Detail, error) {
	return s.engine.Get(ctx, mergeRequestID, session.UserID)
}

func (s *Service) SentMergeRequests(ctx context.Context, session Session) ([]store.MergeRequestSummary, error) {
	return s.engine.SentRequests(ctx, session.UserID)
}

func (s *Service) ReceivedMergeRequests(ctx context.Context, session Session) ([]store.MergeRequestSummary, error) {
	return s.engine.ReceivedRequests(ctx, session.UserID)
}

// Ping checks the health of service dependencies, keyed by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.users.Ping(ctx),
		"redis":    s.sessions.Ping(ctx),
	}
}

func (s *Service) notifyTransition(result merge.VoteResult) {
	if !result.Transitioned() {
		return
	}
	request := result.Request
	s.notify(func(ctx context.Context) { s.notifier.MergeRequestUpdated(ctx, request) })
}

func (s *Service) notify(send func(context.Context)) {
	if s.notifier == nil {
		return
	}
	s.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		send(ctx)
	})
}
