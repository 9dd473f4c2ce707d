package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/store"
)

func TestCompile_Eq(t *testing.T) {
	where, args, err := compile(store.Eq{Field: "guid", Value: "ABC"}, 1)
	require.NoError(t, err)
	assert.Equal(t, `value ->> 'guid' = $1`, where)
	assert.Equal(t, []any{"ABC"}, args)
}

func TestCompile_DottedFieldWalksIntermediateNodes(t *testing.T) {
	where, _, err := compile(store.Lt{Field: "active_range.to", Value: "2024-01-01"}, 1)
	require.NoError(t, err)
	assert.Equal(t, `value -> 'active_range' ->> 'to' < $1`, where)
}

func TestCompile_AndOrNestsParens(t *testing.T) {
	where, args, err := compile(store.And{
		store.Eq{Field: "finished", Value: nil},
		store.Or{
			store.Eq{Field: "name", Value: "stage"},
			store.Eq{Field: "name", Value: "activate"},
		},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, `(value ->> 'finished' = $1) AND ((value ->> 'name' = $2) OR (value ->> 'name' = $3))`, where)
	assert.Equal(t, []any{nil, "stage", "activate"}, args)
}

func TestCompile_InEmptyIsAlwaysFalse(t *testing.T) {
	where, args, err := compile(store.In{Field: "cn_uuid", Values: nil}, 1)
	require.NoError(t, err)
	assert.Equal(t, "FALSE", where)
	assert.Empty(t, args)
}

func TestCompile_InNumbersPlaceholdersFromArgStart(t *testing.T) {
	where, args, err := compile(store.In{Field: "cn_uuid", Values: []any{"a", "b"}}, 3)
	require.NoError(t, err)
	assert.Equal(t, `value ->> 'cn_uuid' IN ($3, $4)`, where)
	assert.Equal(t, []any{"a", "b"}, args)
}

func TestCompile_IsSetIsUnset(t *testing.T) {
	set, _, err := compile(store.IsSet{Field: "staged"}, 1)
	require.NoError(t, err)
	assert.Equal(t, `value ? 'staged' AND value -> 'staged' IS NOT NULL`, set)

	unset, _, err := compile(store.IsUnset{Field: "staged"}, 1)
	require.NoError(t, err)
	assert.Equal(t, `NOT (value ? 'staged' AND value -> 'staged' IS NOT NULL)`, unset)
}

func TestCompile_AllMatchesEverything(t *testing.T) {
	where, args, err := compile(store.All{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", where)
	assert.Empty(t, args)
}

func TestCompile_NilPredicateSameAsAll(t *testing.T) {
	where, _, err := compile(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", where)
}

func TestSanitizeField_StripsNonIdentifierCharacters(t *testing.T) {
	assert.Equal(t, "dropusers", sanitizeField("drop users;--"))
}

func TestJsonExistsPath_NestedField(t *testing.T) {
	assert.Equal(t, `value -> 'active_range' ? 'to'`, jsonExistsPath("active_range.to"))
}
