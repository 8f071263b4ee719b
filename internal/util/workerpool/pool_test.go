package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitForState(t *testing.T, p *WorkerPool, id string, want JobState) JobInfo {
	t.Helper()
	var info JobInfo
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = p.Job(id)
		return ok && info.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return info
}

func TestWorkerPool_JobLifecycle(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	okID, err := p.Submit("ok", func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	failID, err := p.Submit("fail", func(ctx context.Context) (string, error) {
		return "partial", errors.New("boom")
	})
	require.NoError(t, err)
	panicID, err := p.Submit("panic", func(ctx context.Context) (string, error) {
		panic("bad")
	})
	require.NoError(t, err)

	info := waitForState(t, p, okID, JobSucceeded)
	assert.Equal(t, "done", info.Summary)
	assert.False(t, info.FinishedAt.IsZero())

	info = waitForState(t, p, failID, JobFailed)
	assert.Equal(t, "boom", info.Error)
	assert.Equal(t, "partial", info.Summary)

	info = waitForState(t, p, panicID, JobFailed)
	assert.Contains(t, info.Error, "panicked")

	_, ok := p.Job("unknown")
	assert.False(t, ok)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.CompletedJobs)
	assert.Equal(t, uint64(2), stats.FailedJobs)
}

func TestWorkerPool_QueueFullAndStop(t *testing.T) {
	p := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	release := make(chan struct{})
	blocking := func(ctx context.Context) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}

	first, err := p.Submit("block", blocking)
	require.NoError(t, err)
	waitForState(t, p, first, JobRunning)

	_, err = p.Submit("queued", blocking)
	require.NoError(t, err)
	_, err = p.Submit("rejected", blocking)
	assert.Error(t, err)

	require.NoError(t, p.Stop(time.Second))
	close(release)

	_, err = p.Submit("after stop", blocking)
	assert.Error(t, err)
	assert.Equal(t, uint64(2), p.Stats().RejectedJobs)
}
