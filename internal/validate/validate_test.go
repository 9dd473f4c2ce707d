package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/validate"
)

const testSSHKey = "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example"

func TestIsGUID(t *testing.T) {
	assert.True(t, validate.IsGUID("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	assert.False(t, validate.IsGUID("not-a-guid"))
	assert.False(t, validate.IsGUID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")) // lowercase rejected
}

func TestIsUUID(t *testing.T) {
	assert.True(t, validate.IsUUID("550e8400-e29b-41d4-a716-446655440000"))
	assert.False(t, validate.IsUUID("not-a-uuid"))
}

func TestIsISO8601(t *testing.T) {
	assert.True(t, validate.IsISO8601("2024-01-02T15:04:05Z"))
	assert.False(t, validate.IsISO8601("2024-01-02"))
}

func TestPubKeys_Requires9E(t *testing.T) {
	errs := validate.PubKeys(map[string]string{})
	require.Len(t, errs, 1)
	assert.Equal(t, "pubkeys.9e", errs[0].Field)
}

func TestPubKeys_RejectsMalformedKey(t *testing.T) {
	errs := validate.PubKeys(map[string]string{"9e": "not a key"})
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_ssh_key", errs[0].Code)
}

func TestPubKeys_AcceptsWellFormedKeys(t *testing.T) {
	errs := validate.PubKeys(map[string]string{"9e": testSSHKey, "9a": testSSHKey})
	assert.Empty(t, errs)
}

func TestFieldsArray_DropsUnknownFields(t *testing.T) {
	out := validate.FieldsArray([]string{"guid", "bogus", "cn_uuid"}, []string{"guid", "cn_uuid"})
	assert.Equal(t, []string{"guid", "cn_uuid"}, out)
}

func TestOffsetLimit_ClampsToMax(t *testing.T) {
	offset, limit, errs := validate.OffsetLimit(-5, 1000, 100)
	assert.Equal(t, 0, offset)
	assert.Equal(t, 100, limit)
	assert.Len(t, errs, 2)
}

func TestOffsetLimit_DefaultsLimitWhenZero(t *testing.T) {
	_, limit, errs := validate.OffsetLimit(0, 0, 50)
	assert.Equal(t, 50, limit)
	assert.Empty(t, errs)
}

func TestEnum(t *testing.T) {
	assert.Nil(t, validate.Enum("action", "stage", "stage", "activate"))
	err := validate.Enum("action", "bogus", "stage", "activate")
	require.NotNil(t, err)
	assert.Equal(t, "enum", err.Code)
}

func TestStruct_ReturnsSnakeCaseFieldErrors(t *testing.T) {
	type input struct {
		GUID string `validate:"required,guid"`
	}
	errs := validate.Struct(input{GUID: "bad"})
	require.Len(t, errs, 1)
	assert.Equal(t, "guid", errs[0].Field)
	assert.Equal(t, "guid", errs[0].Code)
}

func TestStruct_NilOnSuccess(t *testing.T) {
	type input struct {
		GUID string `validate:"required,guid"`
	}
	errs := validate.Struct(input{GUID: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	assert.Nil(t, errs)
}
