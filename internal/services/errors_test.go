package services

import (
	"database/sql/driver"
	"errors"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStorageError(t *testing.T) {
	t.Run("serialization failures are retryable conflicts", func(t *testing.T) {
		err := classifyStorageError("apply", &pq.Error{Code: "40001"})
		assert.Equal(t, KindConflict, KindOf(err))
		assert.True(t, IsRetryable(err))
	})

	t.Run("integrity violations are conflicts, not outages", func(t *testing.T) {
		// A unique-constraint race, e.g. two resolves inserting one handle.
		err := classifyStorageError("insert credential", &pq.Error{Code: "23505"})
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	})

	t.Run("connection and resource failures are transient", func(t *testing.T) {
		for _, code := range []pq.ErrorCode{"08006", "53300", "57P01"} {
			err := classifyStorageError("query", &pq.Error{Code: code})
			assert.Equal(t, KindTransientStorage, KindOf(err), "code %s", code)
			assert.True(t, IsRetryable(err))
		}
	})

	t.Run("bad connections are transient", func(t *testing.T) {
		err := classifyStorageError("begin", driver.ErrBadConn)
		assert.Equal(t, KindTransientStorage, KindOf(err))
	})

	t.Run("already classified errors pass through", func(t *testing.T) {
		original := NewInsufficientFundsError("too poor")
		assert.Equal(t, original, classifyStorageError("apply", original))
	})

	t.Run("unknown errors default to transient", func(t *testing.T) {
		err := classifyStorageError("query", errors.New("mystery"))
		assert.Equal(t, KindTransientStorage, KindOf(err))
		assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
	})
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          NewValidationError("bad"),
		http.StatusNotFound:            NewNotFoundError("gone"),
		http.StatusPaymentRequired:     NewInsufficientFundsError("broke"),
		http.StatusForbidden:           NewForbiddenError("no"),
		http.StatusConflict:            NewConflictError("race", nil),
		http.StatusInternalServerError: NewInvariantViolationError("broken"),
	}
	for want, err := range cases {
		assert.Equal(t, want, HTTPStatus(err), "%v", err)
	}
}
