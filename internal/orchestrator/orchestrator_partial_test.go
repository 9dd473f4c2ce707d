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

// failingExecutor completes every target except the one in failCN, which
// it reports as a terminal task error.
type failingExecutor struct {
	failCN string
	calls  int
}

func (f *failingExecutor) SubmitTask(ctx context.Context, cnUUID string, params nodeagent.TaskParams) (string, error) {
	f.calls++
	return "task-" + cnUUID, nil
}

func (f *failingExecutor) WaitForTask(ctx context.Context, taskID string, deadline time.Duration) (nodeagent.TaskState, error) {
	if taskID == "task-"+f.failCN {
		return nodeagent.TaskFailed, nil
	}
	return nodeagent.TaskComplete, nil
}

func twoTargetSetup(t *testing.T) (store.Store, *piv.Manager, *recoverytoken.Manager, *recoveryconfig.Manager, domain.PIVToken, domain.PIVToken, domain.RecoveryConfigurationTransition) {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()

	pivMgr := piv.NewManager(s, nil)
	tokenMgr := recoverytoken.NewManager(s, nil)
	cfgMgr := recoveryconfig.NewManager(s, nil)

	tokA, err := pivMgr.Create(ctx, piv.CreateInput{
		GUID:    "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		CNUUID:  "550e8400-e29b-41d4-a716-446655440000",
		PubKeys: map[string]string{"9e": "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example"},
		PIN:     "123456",
	})
	require.NoError(t, err)

	tokB, err := pivMgr.Create(ctx, piv.CreateInput{
		GUID:    "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		CNUUID:  "660e8400-e29b-41d4-a716-446655440001",
		PubKeys: map[string]string{"9e": "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBF479Ed48upPRCfJq476GwFyPryrZpwEoGu1tysbwjdkDm/VhuKJz/buRrPGUU7HLQmHRj8OIv6gBs8TLEdhxwE= test@example"},
		PIN:     "123456",
	})
	require.NoError(t, err)

	cfg, _, err := cfgMgr.Create(ctx, recoveryconfig.CreateInput{Template: "dGVtcGxhdGUy"})
	require.NoError(t, err)

	_, err = tokenMgr.Create(ctx, tokA.GUID, cfg)
	require.NoError(t, err)
	_, err = tokenMgr.Create(ctx, tokB.GUID, cfg)
	require.NoError(t, err)

	_, transition, err := cfgMgr.Do(ctx, cfg.UUID, recoveryconfig.ActionInput{
		Action:      recoveryconfig.ActionStage,
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, transition)

	return s, pivMgr, tokenMgr, cfgMgr, tokA, tokB, *transition
}

func TestWorker_PartialFailureLeavesConfigurationUnadvanced(t *testing.T) {
	ctx := context.Background()
	s, pivMgr, tokenMgr, cfgMgr, _, tokB, transition := twoTargetSetup(t)

	exec := &failingExecutor{failCN: tokB.CNUUID}
	w := orchestrator.NewWorker(orchestrator.Config{
		Store:        s,
		PIVMgr:       pivMgr,
		TokenMgr:     tokenMgr,
		Executor:     exec,
		InstanceID:   "test-instance",
		PollInterval: time.Millisecond,
	})

	did, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 2, exec.calls)

	rec, err := s.Get(ctx, store.BucketRecoveryConfigurationTransitions, transition.UUID)
	require.NoError(t, err)
	var cur domain.RecoveryConfigurationTransition
	require.NoError(t, store.Decode(rec, &cur))
	assert.NotNil(t, cur.Finished, "a transition finishes even when some targets failed")

	failed := cur.NonEmptyErrs()
	require.Len(t, failed, 1)
	assert.Equal(t, tokB.CNUUID, failed[0].Target)
	assert.Equal(t, "task_error", failed[0].Code)

	reloadedCfg, err := cfgMgr.Get(ctx, transition.RecoveryConfigUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, reloadedCfg.State(), "a transition with surviving errors must not advance the configuration")
}

// cancelAwareExecutor fails any task whose context is already done,
// mirroring how a real node-agent RPC client would surface ctx
// cancellation through WaitForTask.
type cancelAwareExecutor struct{ calls int }

func (c *cancelAwareExecutor) SubmitTask(ctx context.Context, cnUUID string, params nodeagent.TaskParams) (string, error) {
	c.calls++
	return "task-" + cnUUID, nil
}

func (c *cancelAwareExecutor) WaitForTask(ctx context.Context, taskID string, deadline time.Duration) (nodeagent.TaskState, error) {
	if err := ctx.Err(); err != nil {
		return nodeagent.TaskFailed, err
	}
	return nodeagent.TaskComplete, nil
}

func TestWorker_RunOnceRespectsCancelledContext(t *testing.T) {
	s, pivMgr, tokenMgr, cfgMgr, _, _, transition := twoTargetSetup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &cancelAwareExecutor{}
	w := orchestrator.NewWorker(orchestrator.Config{
		Store:        s,
		PIVMgr:       pivMgr,
		TokenMgr:     tokenMgr,
		Executor:     exec,
		InstanceID:   "test-instance",
		PollInterval: time.Millisecond,
	})

	did, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	rec, err := s.Get(context.Background(), store.BucketRecoveryConfigurationTransitions, transition.UUID)
	require.NoError(t, err)
	var cur domain.RecoveryConfigurationTransition
	require.NoError(t, store.Decode(rec, &cur))
	assert.Len(t, cur.NonEmptyErrs(), 2, "every target submitted against a cancelled context must surface as an error")

	reloadedCfg, err := cfgMgr.Get(context.Background(), transition.RecoveryConfigUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, reloadedCfg.State(), "a cancelled run must never advance the configuration")
}
