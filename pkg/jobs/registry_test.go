package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/workflow"
)

func TestRegistryCreateAndGet(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	job := reg.Create("sess-1")
	require.NotEmpty(t, job.ID)
	assert.Equal(t, JobStarted, job.Status)

	got, ok := reg.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "sess-1", got.SessionKey)

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistryStepLogIsAppendOnly(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	job := reg.Create("sess-1")

	reg.Update(job.ID, JobParsing, "parsing")
	reg.Update(job.ID, JobLoggingIn, "logging in")
	reg.Update(job.ID, JobProcessing, "processing")

	got, _ := reg.Get(job.ID)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "parsing", got.Steps[0].Message)
	assert.Equal(t, "processing", got.Steps[2].Message)
	assert.Equal(t, JobProcessing, got.Status)
}

func TestRegistryTerminalStatusIsFinal(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	job := reg.Create("sess-1")

	reg.Update(job.ID, JobCompleted, "done")
	reg.Update(job.ID, JobProcessing, "should be refused")

	got, _ := reg.Get(job.ID)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Len(t, got.Steps, 1)
}

func TestRegistryFailedRecordsError(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	job := reg.Create("sess-1")

	reg.Update(job.ID, JobFailed, "login failed")

	got, _ := reg.Get(job.ID)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "login failed", got.Error)
}

func TestRegistrySetResultsCounts(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	job := reg.Create("sess-1")

	reg.SetResults(job.ID, []*workflow.RunResult{
		{Status: workflow.StatusSuccess},
		{Status: workflow.StatusTimeout},
		{Status: workflow.StatusFailed},
		{Status: workflow.StatusSuccess},
	}, "data/results_x.csv")

	got, _ := reg.Get(job.ID)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailCount)
	assert.Equal(t, 1, got.TimeoutCount)
	assert.Equal(t, "data/results_x.csv", got.ExportPath)
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	job := reg.Create("sess-1")

	got, _ := reg.Get(job.ID)
	got.Steps = append(got.Steps, Step{Message: "tampered"})
	got.Status = JobFailed

	fresh, _ := reg.Get(job.ID)
	assert.Equal(t, JobStarted, fresh.Status)
	assert.Empty(t, fresh.Steps)
}
