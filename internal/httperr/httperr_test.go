package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteKnownKind(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(Conflict, "channel already exists"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "channel already exists" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestWriteUnwrappedErrorDefaultsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a plain error, got %d", rec.Code)
	}
}

func TestWrapPreservesKind(t *testing.T) {
	wrapped := Wrap(NotFound, errors.New("channel 7 not found"))
	rec := httptest.NewRecorder()
	Write(rec, wrapped)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestKindStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		Unauthorized: http.StatusUnauthorized,
		Forbidden:    http.StatusForbidden,
		NotFound:     http.StatusNotFound,
		Conflict:     http.StatusConflict,
		BadRequest:   http.StatusBadRequest,
		Unavailable:  http.StatusServiceUnavailable,
		Internal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.status(); got != want {
			t.Errorf("Kind(%d).status() = %d, want %d", kind, got, want)
		}
	}
}
