package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/xgateway/internal/apperr"
)

// postgresStore implements Store against the users / token_revocations
// tables.
type postgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore wires a Store on top of an already-connected sqlx.DB.
// Schema (migrated externally, not by this package):
//
//	CREATE TABLE users (
//	    username       TEXT PRIMARY KEY,
//	    password_hash  TEXT NOT NULL,
//	    is_admin       BOOLEAN NOT NULL DEFAULT false,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE token_revocations (
//	    token_id    TEXT PRIMARY KEY,
//	    username    TEXT NOT NULL,
//	    issued_at   TIMESTAMPTZ NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    revoked     BOOLEAN NOT NULL DEFAULT false
//	);
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) Store {
	return &postgresStore{db: db, timeout: timeout}
}

func (s *postgresStore) CreateUser(ctx context.Context, u User) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin, created_at) VALUES ($1, $2, $3, $4)`,
		u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperr.ErrUsernameTaken
		}
		return fmt.Errorf("auth: create user %q: %w", u.Username, err)
	}
	return nil
}

func (s *postgresStore) GetUser(ctx context.Context, username string) (User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT username, password_hash, is_admin, created_at FROM users WHERE username = $1`, username)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("auth: get user %q: %w", username, err)
	}
	return u, true, nil
}

func (s *postgresStore) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var users []User
	err := s.db.SelectContext(ctx, &users,
		`SELECT username, password_hash, is_admin, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("auth: list users: %w", err)
	}
	return users, nil
}

func (s *postgresStore) DeleteUser(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("auth: delete user %q: %w", username, err)
	}
	return nil
}

func (s *postgresStore) PutToken(ctx context.Context, t Token) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_revocations (token_id, username, issued_at, expires_at, revoked)
		 VALUES ($1, $2, $3, $4, false)`,
		t.ID, t.Username, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("auth: put token: %w", err)
	}
	return nil
}

func (s *postgresStore) GetToken(ctx context.Context, id string) (Token, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var t Token
	err := s.db.GetContext(ctx, &t,
		`SELECT token_id AS id, username, issued_at, expires_at FROM token_revocations WHERE token_id = $1`, id)
	if err == sql.ErrNoRows {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("auth: get token: %w", err)
	}
	return t, true, nil
}

func (s *postgresStore) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE token_revocations SET revoked = true WHERE token_id = $1`, id)
	if err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}

func (s *postgresStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var revoked bool
	err := s.db.GetContext(ctx, &revoked, `SELECT revoked FROM token_revocations WHERE token_id = $1`, id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: check revocation: %w", err)
	}
	return revoked, nil
}
