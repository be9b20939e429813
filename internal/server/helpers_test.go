package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"telemetry-core/internal/apperr"
)

func TestWriteErrorMapsCodesToStatus(t *testing.T) {
	cases := []struct {
		code apperr.Code
		want int
	}{
		{apperr.Validation, http.StatusBadRequest},
		{apperr.Unauthorized, http.StatusUnauthorized},
		{apperr.Forbidden, http.StatusForbidden},
		{apperr.NotFound, http.StatusNotFound},
		{apperr.Conflict, http.StatusConflict},
		{apperr.ScopeMismatch, http.StatusBadRequest},
		{apperr.RateLimited, http.StatusTooManyRequests},
		{apperr.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, apperr.New(tc.code, "boom"))
		if rec.Code != tc.want {
			t.Errorf("code %v: status = %d, want %d", tc.code, rec.Code, tc.want)
		}
	}
}

func TestBearerTokenExtraction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(req); got != "abc123" {
		t.Errorf("bearerToken = %q, want abc123", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(req2); got != "" {
		t.Errorf("expected empty token for missing header, got %q", got)
	}
}

func TestPageParamsDefaultsAndOverrides(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&offset=5", nil)
	limit, offset := pageParams(req)
	if limit != 10 || offset != 5 {
		t.Errorf("got limit=%d offset=%d, want 10, 5", limit, offset)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	limit2, offset2 := pageParams(req2)
	if limit2 != 50 || offset2 != 0 {
		t.Errorf("got limit=%d offset=%d, want defaults 50, 0", limit2, offset2)
	}
}
