package transport

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/sawpanic/xgateway/internal/apperr"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"client", apperr.ErrUsernameTaken, 400},
		{"auth", apperr.ErrInvalidCredentials, 401},
		{"forbidden", apperr.ErrForbidden, 403},
		{"not_found", apperr.ErrOrderNotFound, 404},
		{"unknown_exchange", apperr.ErrUnknownExchange, 404},
		{"upstream", apperr.Wrap(apperr.Upstream, "boom"), 502},
		{"internal", apperr.Wrap(apperr.Internal, "boom"), 500},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, c.err)
			if rec.Code != c.want {
				t.Errorf("expected status %d, got %d", c.want, rec.Code)
			}

			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Error == "" {
				t.Errorf("expected a non-empty error message")
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 201, map[string]string{"id": "abc"})

	if rec.Code != 201 {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %s", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["id"] != "abc" {
		t.Errorf("unexpected body: %+v", body)
	}
}
