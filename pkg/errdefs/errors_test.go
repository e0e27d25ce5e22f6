package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"validation", Validation("bad field"), KindValidation},
		{"not found", NotFound("endpoint %s", "abc"), KindNotFound},
		{"conflict", Conflict("pool not empty"), KindConflict},
		{"wrapped persistence", fmt.Errorf("save: %w", Persistence(errors.New("io"), "commit failed")), KindPersistence},
		{"untagged", errors.New("boom"), KindInternal},
		{"nil cause internal", Internal(nil, "oops"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Authentication("x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Authorization("x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("x")))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimit("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence(cause, "commit failed")
	assert.ErrorIs(t, err, cause)
}

func TestRedacted(t *testing.T) {
	assert.True(t, Redacted(Persistence(errors.New("x"), "commit")))
	assert.True(t, Redacted(Internal(nil, "x")))
	assert.False(t, Redacted(Validation("x")))
	assert.False(t, Redacted(NotFound("x")))
}

func TestWithDetail(t *testing.T) {
	err := Validation("invalid hostname").WithDetail("field", "hostname")
	assert.Equal(t, "hostname", err.Details["field"])
}
