package recoveryconfig_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

func TestCreate_BootstrapsWhenFleetEmpty(t *testing.T) {
	m := recoveryconfig.NewManager(memstore.New(), nil)
	cfg, _, err := m.Create(context.Background(), recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.Staged)
	assert.NotNil(t, cfg.Activated)
	assert.Equal(t, domain.StateActive, cfg.State())
}

func TestCreate_DeduplicatesByTemplateHash(t *testing.T) {
	m := recoveryconfig.NewManager(memstore.New(), nil)
	ctx := context.Background()
	first, created1, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)
	second, created2, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
	assert.True(t, created1)
	assert.False(t, created2)
}

func TestDelete_RejectsActiveConfiguration(t *testing.T) {
	m := recoveryconfig.NewManager(memstore.New(), nil)
	ctx := context.Background()
	cfg, _, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)

	err = m.Delete(ctx, cfg.UUID)
	assert.Error(t, err)
}

func TestDo_ExpireThenReactivate(t *testing.T) {
	s := memstore.New()
	m := recoveryconfig.NewManager(s, nil)
	ctx := context.Background()
	cfg, _, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, cfg.State())

	cfg, _, err = m.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{Action: recoveryconfig.ActionExpire})
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, cfg.State())

	cfg, _, err = m.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{Action: recoveryconfig.ActionReactivate})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, cfg.State())
}

func TestDo_RejectsActionNotInAllowList(t *testing.T) {
	s := memstore.New()
	m := recoveryconfig.NewManager(s, nil)
	ctx := context.Background()
	cfg, _, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, cfg.State())

	_, _, err = m.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{Action: recoveryconfig.ActionStage})
	assert.Error(t, err)
}

func TestDo_CancelRequiresUnfinishedTransition(t *testing.T) {
	s := memstore.New()
	m := recoveryconfig.NewManager(s, nil)
	ctx := context.Background()
	cfg, _, err := m.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUx"})
	require.NoError(t, err)

	_, _, err = m.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{Action: recoveryconfig.ActionCancel})
	assert.Error(t, err)
}
