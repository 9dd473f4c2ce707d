package recoverytoken_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

func TestGenerateToken_DeterministicUUID(t *testing.T) {
	tokenHex, uuid, err := recoverytoken.GenerateToken()
	require.NoError(t, err)
	assert.Len(t, tokenHex, recoverytoken.TokenByteLen*2)
	assert.NotEmpty(t, uuid)
}

func TestCreate_ExpiresOpenSibling(t *testing.T) {
	s := memstore.New()
	m := recoverytoken.NewManager(s, nil)
	ctx := context.Background()

	cfg := domain.RecoveryConfiguration{UUID: "cfg-1", Created: time.Now().UTC()}

	first, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	assert.True(t, first.IsOpen())

	second, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	assert.True(t, second.IsOpen())

	reloadedFirst, err := m.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.NotNil(t, reloadedFirst.Expired, "older open sibling must be expired by the second create")
}

func TestCreate_DoesNotExpireStagedSibling(t *testing.T) {
	s := memstore.New()
	m := recoverytoken.NewManager(s, nil)
	ctx := context.Background()
	cfg := domain.RecoveryConfiguration{UUID: "cfg-1", Created: time.Now().UTC()}

	first, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, first))

	_, err = m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)

	reloaded, err := m.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Expired, "a staged sibling is not 'open' and must survive a new create")
}

func TestStage_ExpiresStagedButNeverActivatedSibling(t *testing.T) {
	s := memstore.New()
	m := recoverytoken.NewManager(s, nil)
	ctx := context.Background()
	cfg := domain.RecoveryConfiguration{UUID: "cfg-1", Created: time.Now().UTC()}

	first, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, first))

	second, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, second))

	reloadedFirst, err := m.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.NotNil(t, reloadedFirst.Expired)
}

func TestActivate_ExpiresPreviouslyActiveSibling(t *testing.T) {
	s := memstore.New()
	m := recoverytoken.NewManager(s, nil)
	ctx := context.Background()
	cfg := domain.RecoveryConfiguration{UUID: "cfg-1", Created: time.Now().UTC()}

	first, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, first))
	require.NoError(t, m.Activate(ctx, first))

	second, err := m.Create(ctx, "piv-1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Stage(ctx, second))
	require.NoError(t, m.Activate(ctx, second))

	reloadedFirst, err := m.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.NotNil(t, reloadedFirst.Expired)
}

func TestNewest_PicksLatestByCreated(t *testing.T) {
	older := domain.RecoveryToken{UUID: "a", Created: time.Unix(100, 0)}
	newer := domain.RecoveryToken{UUID: "b", Created: time.Unix(200, 0)}
	got, ok := recoverytoken.Newest([]domain.RecoveryToken{older, newer})
	require.True(t, ok)
	assert.Equal(t, "b", got.UUID)
}
