package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/xgateway/internal/apperr"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	store := NewPostgresStore(sqlxDB, 5*time.Second)
	return store, mock, func() { db.Close() }
}

func TestPostgresStore_CreateUser(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("alice", "hash", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateUser(context.Background(), User{Username: "alice", PasswordHash: "hash", CreatedAt: time.Now()})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateUser_TranslatesUniqueViolation(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("alice", "hash", false, sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateUser(context.Background(), User{Username: "alice", PasswordHash: "hash", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, apperr.ErrUsernameTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	mock.ExpectQuery(`SELECT username, password_hash, is_admin, created_at FROM users`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(nil))

	_, ok, err := store.GetUser(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUser_Found(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"username", "password_hash", "is_admin", "created_at"}).
		AddRow("alice", "hash", true, now)
	mock.ExpectQuery(`SELECT username, password_hash, is_admin, created_at FROM users`).
		WithArgs("alice").
		WillReturnRows(rows)

	u, ok, err := store.GetUser(context.Background(), "alice")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TokenLifecycle(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	now := time.Now()
	mock.ExpectExec(`INSERT INTO token_revocations`).
		WithArgs("tok-1", "alice", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.PutToken(context.Background(), Token{ID: "tok-1", Username: "alice", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	assert.NoError(t, err)

	mock.ExpectExec(`UPDATE token_revocations SET revoked = true`).
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, store.Revoke(context.Background(), "tok-1"))

	mock.ExpectQuery(`SELECT revoked FROM token_revocations`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))

	revoked, err := store.IsRevoked(context.Background(), "tok-1")
	assert.NoError(t, err)
	assert.True(t, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IsRevoked_UnknownTokenIsNotRevoked(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	mock.ExpectQuery(`SELECT revoked FROM token_revocations`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(nil))

	revoked, err := store.IsRevoked(context.Background(), "unknown")
	assert.NoError(t, err)
	assert.False(t, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteUser(t *testing.T) {
	store, mock, close := newMockStore(t)
	defer close()

	mock.ExpectExec(`DELETE FROM users`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.DeleteUser(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
