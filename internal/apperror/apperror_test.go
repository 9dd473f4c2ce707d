package apperror_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joyent/triton-kbmapi/internal/apperror"
)

func TestKind_StatusCode(t *testing.T) {
	cases := []struct {
		kind apperror.Kind
		want int
	}{
		{apperror.KindInvalidParams, 422},
		{apperror.KindMissingParam, 422},
		{apperror.KindDuplicate, 409},
		{apperror.KindTransitionAlreadyExists, 409},
		{apperror.KindNotFound, 404},
		{apperror.KindUnauthorized, 401},
		{apperror.KindPreconditionFailed, 412},
		{apperror.KindTransport, 503},
		{apperror.KindInternal, 500},
		{apperror.Kind("something-unmapped"), 500},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.StatusCode(), "kind %s", c.kind)
	}
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "NotFound: missing thing", apperror.NotFound("missing thing").Error())
	assert.Equal(t, "Internal", (&apperror.Error{Kind: apperror.KindInternal}).Error())
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := apperror.Wrap(cause, "failed to do thing")
	assert.Equal(t, apperror.KindInternal, wrapped.Kind)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestAs_MatchesOnlyAppError(t *testing.T) {
	appErr := apperror.Duplicate("dup")
	got, ok := apperror.As(appErr)
	assert.True(t, ok)
	assert.Same(t, appErr, got)

	_, ok = apperror.As(errors.New("plain"))
	assert.False(t, ok)
}

func TestMissing_CarriesFieldError(t *testing.T) {
	err := apperror.Missing("cn_uuid", "cn_uuid is required")
	assert.Equal(t, apperror.KindMissingParam, err.Kind)
	assert.Len(t, err.Errors, 1)
	assert.Equal(t, "cn_uuid", err.Errors[0].Field)
}
