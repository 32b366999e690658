// Package auth implements credential handling: password policy and hashing,
// identity tokens, and the signup/login flows built on them.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"grimoire/pkg/apperr"
	"grimoire/pkg/models"
	"grimoire/pkg/store"
)

var (
	ErrInvalidEmail = apperr.Validation("invalid email address")
	ErrWeakPassword = apperr.Validation("password must be 8 to 100 characters with at least one upper-case letter, one lower-case letter and one digit, and no spaces")
	ErrEmailTaken   = apperr.New(apperr.KindConflict, "email already in use")
	// ErrInvalidCredentials never says which of email or password was wrong.
	ErrInvalidCredentials = apperr.Validation("invalid credentials")
)

type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Session is what a successful signup or login hands back to the client.
type Session struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type Service struct {
	users  UserStore
	hasher PasswordHasher
	tokens TokenIssuer
	log    logrus.FieldLogger

	// dummyHash is verified against when the email is unknown so both login
	// failures cost the same.
	dummyHash string
}

func NewService(users UserStore, hasher PasswordHasher, tokens TokenIssuer, log logrus.FieldLogger) (*Service, error) {
	dummy, err := hasher.Hash("Dummy-password-1")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Service{users: users, hasher: hasher, tokens: tokens, log: log, dummyHash: dummy}, nil
}

func (s *Service) Signup(ctx context.Context, email, password string) (*Session, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	_, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, ErrEmailTaken
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Internal(fmt.Errorf("look up user: %w", err))
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("hash password: %w", err))
	}

	user := &models.User{Email: email, PasswordHash: hash}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent signup for the same address.
			return nil, ErrEmailTaken
		}
		return nil, apperr.Internal(fmt.Errorf("create user: %w", err))
	}

	s.log.WithField("user_id", user.ID).Info("User signed up")
	return s.session(user.ID)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = NormalizeEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, apperr.Internal(fmt.Errorf("look up user: %w", err))
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.log.WithField("user_id", user.ID).Warn("Login rejected")
		return nil, ErrInvalidCredentials
	}
	return s.session(user.ID)
}

func (s *Service) session(userID string) (*Session, error) {
	token, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("issue token: %w", err))
	}
	return &Session{UserID: userID, Token: token}, nil
}
