package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromError(t *testing.T) {
	cause := errors.New("event evt-1")

	cases := []struct {
		name   string
		err    error
		code   CoreStatus
		status int
	}{
		{"base error", NotFound("event not found", cause), StatusNotFound, http.StatusNotFound},
		{"wrapped base error", fmt.Errorf("dispatch: %w", BadRequest("unknown action", nil)), StatusBadRequest, http.StatusBadRequest},
		{"canceled", context.Canceled, StatusClientClosedRequest, 499},
		{"deadline", fmt.Errorf("handler: %w", context.DeadlineExceeded), StatusTimeout, http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), StatusInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			be := FromError(tc.err)
			require.Equal(t, tc.code, be.Code)
			require.Equal(t, tc.status, be.Code.HTTPStatus())
		})
	}

	require.Equal(t, BaseError{}, FromError(nil))
}

func TestBaseError(t *testing.T) {
	cause := errors.New("no rows")
	err := NotFound("event not found", cause, WithDetails(Detail{Field: "event_id", Message: "unknown"}))

	require.ErrorIs(t, err, cause)
	require.Equal(t, "[not_found] event not found: no rows", err.Error())

	body := err.(BaseError).JSON().(map[string]interface{})["error"].(map[string]interface{})
	require.Equal(t, StatusNotFound, body["code"])
	require.Len(t, body["details"], 1)
}
