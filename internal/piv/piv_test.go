package piv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

func validCreate() piv.CreateInput {
	return piv.CreateInput{
		GUID:   "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		CNUUID: "550e8400-e29b-41d4-a716-446655440000",
		PubKeys: map[string]string{
			"9e": "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example",
		},
		PIN: "123456",
	}
}

func TestManager_CreateAndGet(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	tok, err := m.Create(ctx, validCreate())
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", tok.GUID)

	got, err := m.Get(ctx, tok.GUID)
	require.NoError(t, err)
	assert.Equal(t, tok.CNUUID, got.CNUUID)
}

func TestManager_CreateDuplicateGUID(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	_, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = m.Create(ctx, validCreate())
	assert.Error(t, err)
}

func TestManager_CreateRejectsMissing9E(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	in := validCreate()
	in.PubKeys = map[string]string{}

	_, err := m.Create(context.Background(), in)
	assert.Error(t, err)
}

func TestManager_GetNotFound(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	_, err := m.Get(context.Background(), "MISSING")
	assert.Error(t, err)
}

func TestManager_ListByCN(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	_, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	toks, err := m.ListByCN(ctx, "550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Len(t, toks, 1)

	none, err := m.ListByCN(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_UpdateSetsCNUUIDAndLastSeen(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	tok, err := m.Create(ctx, validCreate())
	require.NoError(t, err)
	assert.Nil(t, tok.LastSeen)

	updated, err := m.Update(ctx, tok.GUID, map[string]any{"cn_uuid": "660e8400-e29b-41d4-a716-446655440001"})
	require.NoError(t, err)
	require.NotNil(t, updated.LastSeen)
	assert.WithinDuration(t, time.Now().UTC(), *updated.LastSeen, 5*time.Second)
	assert.Equal(t, "660e8400-e29b-41d4-a716-446655440001", updated.CNUUID)
	assert.Equal(t, tok.Created, updated.Created)
}

func TestManager_UpdateRejectsNonCNUUIDFields(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	tok, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = m.Update(ctx, tok.GUID, map[string]any{"cn_uuid": "660e8400-e29b-41d4-a716-446655440001", "serial": "newserial"})
	assert.Error(t, err)
}

func TestManager_DeleteArchivesToHistory(t *testing.T) {
	s := memstore.New()
	m := piv.NewManager(s, nil)
	ctx := context.Background()

	tok, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	err = m.Delete(ctx, tok.GUID, tok.Created, nil)
	require.NoError(t, err)

	_, err = m.Get(ctx, tok.GUID)
	assert.Error(t, err)

	n, err := s.Count(ctx, store.BucketPIVTokenHistory, store.All{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_DeleteGuardVetoes(t *testing.T) {
	m := piv.NewManager(memstore.New(), nil)
	ctx := context.Background()

	tok, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	guard := func(context.Context) error { return assert.AnError }
	err = m.Delete(ctx, tok.GUID, tok.Created, guard)
	assert.Error(t, err)

	_, err = m.Get(ctx, tok.GUID)
	assert.NoError(t, err)
}
