// ABOUTME: Tests for the admin API authentication middleware
// ABOUTME: Verifies header parsing, rejection codes and subject propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr string
	}{
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer abc.def", "abc.def", ""},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.wantErr, errMsg, tt.header)
	}
}

func TestMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, err := verifier.Generate("ops", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("ops", -time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := Middleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, "missing authorization header"},
		{"garbage", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "token expired"},
		{"valid", "Bearer " + valid, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
				assert.Empty(t, gotSubject)
			} else {
				assert.Equal(t, "ops", gotSubject)
			}
		})
	}
}

func TestMiddleware_NilVerifierIsOpen(t *testing.T) {
	handler := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, SubjectFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
