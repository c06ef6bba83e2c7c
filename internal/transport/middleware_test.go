package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sawpanic/xgateway/internal/auth"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"", ""},
		{"Bearer ", ""},
		{"Basic abc123", ""},
		{"Bearer", ""},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if c.header != "" {
			r.Header.Set("Authorization", c.header)
		}
		if got := bearerToken(r); got != c.want {
			t.Errorf("header %q: expected %q, got %q", c.header, c.want, got)
		}
	}
}

func TestRequestIDMiddleware_SetsHeaderAndContext(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = fromCtx(r.Context(), ctxRequestID)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	requestIDMiddleware(next).ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header to be set")
	}
	if seen == "" || seen != rec.Header().Get("X-Request-ID") {
		t.Errorf("expected the context request id to match the response header, got %q vs %q", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	svc := auth.NewService(auth.NewMemoryStore(), time.Hour, "admin")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	authMiddleware(svc)(next).ServeHTTP(rec, req)

	if called {
		t.Errorf("expected the downstream handler not to run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	svc := auth.NewService(auth.NewMemoryStore(), time.Hour, "admin")
	ctx := context.Background()
	svc.Register(ctx, "alice", "hunter2", false)
	token, err := svc.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotUser auth.User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = userFromCtx(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token.ID)
	authMiddleware(svc)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUser.Username != "alice" {
		t.Errorf("expected the resolved user to be alice, got %+v", gotUser)
	}
}

func TestRequireAdmin_RejectsNonAdmin(t *testing.T) {
	svc := auth.NewService(auth.NewMemoryStore(), time.Hour, "admin")
	ctx := context.WithValue(context.Background(), ctxUser, auth.User{Username: "alice"})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("expected the downstream handler not to run for a non-admin user")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	requireAdmin(svc)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	svc := auth.NewService(auth.NewMemoryStore(), time.Hour, "admin")
	ctx := context.WithValue(context.Background(), ctxUser, auth.User{Username: "admin", IsAdmin: true})
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	requireAdmin(svc)(next).ServeHTTP(rec, req)

	if !called {
		t.Errorf("expected the downstream handler to run for the admin user")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
