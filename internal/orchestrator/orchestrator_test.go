package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/triton-kbmapi/internal/domain"
	"github.com/joyent/triton-kbmapi/internal/nodeagent"
	"github.com/joyent/triton-kbmapi/internal/orchestrator"
	"github.com/joyent/triton-kbmapi/internal/piv"
	"github.com/joyent/triton-kbmapi/internal/recoveryconfig"
	"github.com/joyent/triton-kbmapi/internal/recoverytoken"
	"github.com/joyent/triton-kbmapi/internal/store"
	"github.com/joyent/triton-kbmapi/internal/store/memstore"
)

type fakeExecutor struct{ calls int }

func (f *fakeExecutor) SubmitTask(ctx context.Context, cnUUID string, params nodeagent.TaskParams) (string, error) {
	f.calls++
	return "task-" + cnUUID, nil
}

func (f *fakeExecutor) WaitForTask(ctx context.Context, taskID string, deadline time.Duration) (nodeagent.TaskState, error) {
	return nodeagent.TaskComplete, nil
}

func TestWorker_ProcessesStageTransitionToCompletion(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	pivMgr := piv.NewManager(s, nil)
	tokenMgr := recoverytoken.NewManager(s, nil)
	cfgMgr := recoveryconfig.NewManager(s, nil)

	tok, err := pivMgr.Create(ctx, piv.CreateInput{
		GUID:    "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		CNUUID:  "550e8400-e29b-41d4-a716-446655440000",
		PubKeys: map[string]string{"9e": "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example"},
		PIN:     "123456",
	})
	require.NoError(t, err)

	cfg, _, err := cfgMgr.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUy"})
	require.NoError(t, err)
	// Not bootstrap (a pivtoken already existed), so must stage manually.
	require.Equal(t, domain.StateCreated, cfg.State())

	_, err = tokenMgr.Create(ctx, tok.GUID, cfg)
	require.NoError(t, err)

	cfg, transition, err := cfgMgr.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{
		Action:      recoveryconfig.ActionStage,
		Concurrency: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, transition)

	exec := &fakeExecutor{}
	w := orchestrator.NewWorker(orchestrator.Config{
		Store:      s,
		PIVMgr:     pivMgr,
		TokenMgr:   tokenMgr,
		Executor:   exec,
		InstanceID: "test-instance",
		PollInterval: time.Millisecond,
	})

	// RunOnce should lock the transition, fan out to the single target,
	// and finish + advance the configuration to "staged" in one pass.
	did, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	rec, err := s.Get(ctx, store.BucketRecoveryConfigurationTransitions, transition.UUID)
	require.NoError(t, err)
	var cur domain.RecoveryConfigurationTransition
	require.NoError(t, store.Decode(rec, &cur))
	assert.NotNil(t, cur.Finished)
	assert.Contains(t, cur.Completed, tok.CNUUID)
	assert.Equal(t, 1, exec.calls)

	reloadedCfg, err := cfgMgr.Get(ctx, cfg.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStaged, reloadedCfg.State())
}
