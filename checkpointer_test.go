package portalflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCheckpoint(threadID, serviceType string, stage Stage) *Checkpoint {
	state := NewWorkflowState(threadID, serviceType, map[string]string{"email": "a@b.c"})
	state.CurrentStage = stage
	state.FormProgress["email"] = true
	state.AttemptCount[StageFormFill] = 2
	state.ErrorLog = []*StageError{NewFieldError(ErrorInvalidFormat, "dob", "bad date")}
	return &Checkpoint{ThreadID: threadID, State: state, SavedAt: time.Now()}
}

func testCheckpointerRoundTrip(t *testing.T, checkpointer Checkpointer) {
	t.Helper()
	ctx := context.Background()

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run_missing")
	require.NoError(t, err)
	require.Nil(t, loaded)

	checkpoint := newTestCheckpoint("run_abc", "mppsc_application", StageCaptchaWait)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, checkpoint))

	loaded, err = checkpointer.LoadCheckpoint(ctx, "run_abc")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "run_abc", loaded.ThreadID)
	require.Equal(t, StageCaptchaWait, loaded.State.CurrentStage)
	require.True(t, loaded.State.FormProgress["email"])
	require.Equal(t, 2, loaded.State.AttemptCount[StageFormFill])
	require.Len(t, loaded.State.ErrorLog, 1)

	// Saving again replaces the stored snapshot.
	checkpoint.State.CurrentStage = StagePaymentWait
	checkpoint.SavedAt = time.Now()
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, checkpoint))
	loaded, err = checkpointer.LoadCheckpoint(ctx, "run_abc")
	require.NoError(t, err)
	require.Equal(t, StagePaymentWait, loaded.State.CurrentStage)

	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "run_abc"))
	loaded, err = checkpointer.LoadCheckpoint(ctx, "run_abc")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestMemoryCheckpointerRoundTrip(t *testing.T) {
	testCheckpointerRoundTrip(t, NewMemoryCheckpointer())
}

func TestFileCheckpointerRoundTrip(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	testCheckpointerRoundTrip(t, checkpointer)
}

func TestMemoryCheckpointerIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	checkpointer := NewMemoryCheckpointer()
	checkpoint := newTestCheckpoint("run_abc", "svc", StageFormFill)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, checkpoint))

	// Mutating the saved state must not affect the stored snapshot.
	checkpoint.State.CurrentStage = StageFailed
	loaded, err := checkpointer.LoadCheckpoint(ctx, "run_abc")
	require.NoError(t, err)
	require.Equal(t, StageFormFill, loaded.State.CurrentStage)
}

func TestFileCheckpointerListRuns(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	first := newTestCheckpoint("run_first", "svc_a", StageFormFill)
	first.SavedAt = time.Now().Add(-time.Hour)
	second := newTestCheckpoint("run_second", "svc_b", StageComplete)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, first))
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, second))

	runs, err := checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run_second", runs[0].ThreadID)
	require.Equal(t, "svc_b", runs[0].ServiceType)
	require.Equal(t, StageComplete, runs[0].Stage)
	require.Equal(t, 1, runs[0].ErrorCount)
	require.Equal(t, "run_first", runs[1].ThreadID)
}

func TestNullCheckpointer(t *testing.T) {
	ctx := context.Background()
	checkpointer := NewNullCheckpointer()
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, newTestCheckpoint("run_x", "svc", StageStart)))
	loaded, err := checkpointer.LoadCheckpoint(ctx, "run_x")
	require.NoError(t, err)
	require.Nil(t, loaded)
}
