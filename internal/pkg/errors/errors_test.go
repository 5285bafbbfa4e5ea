package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructorsCarryCodeAndReason(t *testing.T) {
	cases := []struct {
		err  *ApplicationError
		code int
	}{
		{BadRequest("R", "m"), http.StatusBadRequest},
		{Unauthorized("R", "m"), http.StatusUnauthorized},
		{Forbidden("R", "m"), http.StatusForbidden},
		{NotFound("R", "m"), http.StatusNotFound},
		{RequestTimeout("R", "m"), http.StatusRequestTimeout},
		{Conflict("R", "m"), http.StatusConflict},
		{Gone("R", "m"), http.StatusGone},
		{ContentTooLarge("R", "m"), http.StatusRequestEntityTooLarge},
		{UnprocessableEntity("R", "m"), http.StatusUnprocessableEntity},
		{TooManyRequests("R", "m"), http.StatusTooManyRequests},
		{InternalServer("R", "m"), http.StatusInternalServerError},
		{ServiceUnavailable("R", "m"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, tc.err.Code)
		require.Equal(t, "R", tc.err.Reason)
		require.Equal(t, tc.code, Code(tc.err))
		require.Equal(t, "R", Reason(tc.err))
	}
}

func TestWithCauseDoesNotMutateSentinel(t *testing.T) {
	sentinel := Conflict("IN_PROGRESS", "still processing")
	cause := errors.New("boom")

	wrapped := sentinel.WithCause(cause)
	require.Nil(t, sentinel.Unwrap())
	require.Same(t, cause, wrapped.Unwrap())
	require.True(t, errors.Is(wrapped, sentinel))
	require.True(t, errors.Is(wrapped, cause))
}

func TestWithMetadataCopiesMap(t *testing.T) {
	base := Conflict("IN_PROGRESS", "still processing")
	withMD := base.WithMetadata(map[string]string{"retry_after": "5"})
	require.Empty(t, base.Metadata)
	require.Equal(t, "5", withMD.Metadata["retry_after"])
	require.Equal(t, "5", Metadata(withMD, "retry_after"))
	require.Equal(t, "", Metadata(base, "retry_after"))

	again := withMD.WithMetadata(map[string]string{"retry_after": "9"})
	require.Equal(t, "5", withMD.Metadata["retry_after"])
	require.Equal(t, "9", again.Metadata["retry_after"])
}

func TestFromErrorNormalizesPlainErrors(t *testing.T) {
	require.Nil(t, FromError(nil))
	require.Equal(t, http.StatusOK, Code(nil))
	require.Equal(t, "", Reason(nil))

	plain := errors.New("plain failure")
	appErr := FromError(plain)
	require.Equal(t, UnknownCode, appErr.Code)
	require.Equal(t, "INTERNAL_ERROR", appErr.Reason)
	require.True(t, errors.Is(appErr, plain))

	wrapped := fmt.Errorf("outer: %w", BadRequest("INVALID", "bad"))
	require.Equal(t, http.StatusBadRequest, Code(wrapped))
	require.Equal(t, "INVALID", Reason(wrapped))
}
