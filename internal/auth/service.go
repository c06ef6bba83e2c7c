package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sawpanic/xgateway/internal/apperr"
)

// Service implements registration, login, logoff, token verification and
// unregistration.
type Service struct {
	store     Store
	tokenTTL  time.Duration
	adminUser string
}

// NewService wires a Service on top of store. adminUser names the one
// account Unregister refuses to remove.
func NewService(store Store, tokenTTL time.Duration, adminUser string) *Service {
	return &Service{store: store, tokenTTL: tokenTTL, adminUser: adminUser}
}

// Register creates a new user with a bcrypt-hashed password. isAdmin is
// stored on the account record; access to /users is decided by IsAdmin,
// which compares against the configured admin username, not this flag.
func (s *Service) Register(ctx context.Context, username, password string, isAdmin bool) error {
	if username == "" || password == "" {
		return apperr.Wrap(apperr.Client, "auth: username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "auth: hash password: %v", err)
	}

	return s.store.CreateUser(ctx, User{
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now(),
	})
}

// Login verifies credentials and issues a bearer token valid for tokenTTL.
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	u, ok, err := s.store.GetUser(ctx, username)
	if err != nil {
		return Token{}, apperr.Wrap(apperr.Internal, "auth: lookup user: %v", err)
	}
	if !ok {
		return Token{}, apperr.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Token{}, apperr.ErrInvalidCredentials
	}

	now := time.Now()
	token := Token{
		ID:        uuid.NewString(),
		Username:  username,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.PutToken(ctx, token); err != nil {
		return Token{}, apperr.Wrap(apperr.Internal, "auth: issue token: %v", err)
	}
	return token, nil
}

// Logoff revokes a token id, making it unusable even before expiry.
func (s *Service) Logoff(ctx context.Context, tokenID string) error {
	return s.store.Revoke(ctx, tokenID)
}

// Verify resolves a bearer token id to its owning user, rejecting malformed,
// unknown, expired, or revoked tokens.
func (s *Service) Verify(ctx context.Context, tokenID string) (User, error) {
	if tokenID == "" {
		return User{}, apperr.ErrTokenMalformed
	}

	t, ok, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return User{}, apperr.Wrap(apperr.Internal, "auth: lookup token: %v", err)
	}
	if !ok {
		return User{}, apperr.ErrTokenMalformed
	}

	if time.Now().After(t.ExpiresAt) {
		return User{}, apperr.ErrTokenExpired
	}

	revoked, err := s.store.IsRevoked(ctx, tokenID)
	if err != nil {
		return User{}, apperr.Wrap(apperr.Internal, "auth: check revocation: %v", err)
	}
	if revoked {
		return User{}, apperr.ErrTokenRevoked
	}

	u, ok, err := s.store.GetUser(ctx, t.Username)
	if err != nil {
		return User{}, apperr.Wrap(apperr.Internal, "auth: lookup user for token: %v", err)
	}
	if !ok {
		return User{}, apperr.ErrTokenMalformed
	}
	return u, nil
}

// Unregister removes username's account. The admin account can never be
// unregistered.
func (s *Service) Unregister(ctx context.Context, username string) error {
	if username == s.adminUser {
		return apperr.Wrap(apperr.Client, "auth: the admin account cannot be unregistered")
	}
	return s.store.DeleteUser(ctx, username)
}

// Users returns every registered account, password hashes omitted.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "auth: list users: %v", err)
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

// IsAdmin reports whether username is the configured admin account.
func (s *Service) IsAdmin(username string) bool {
	return username == s.adminUser
}
