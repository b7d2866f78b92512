package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/serialarq/linkbench/logger"
)

func TestStartRunsUntilFuncReturnsFalse(t *testing.T) {
	require := require.New(t)

	mgr := New(context.Background(), logger.GetLogger())

	var calls atomic.Int32
	err := mgr.Start("counter", func() bool {
		n := calls.Add(1)

		return n < 3
	})
	require.NoError(err)

	mgr.Wait()
	require.Equal(int32(3), calls.Load())
	require.Equal(0, mgr.TaskCount())
}

func TestStopCancelsRunningTasks(t *testing.T) {
	require := require.New(t)

	mgr := New(context.Background(), logger.GetLogger())

	var calls atomic.Int32
	err := mgr.Start("spinner", func() bool {
		calls.Add(1)
		time.Sleep(time.Millisecond)

		return true
	})
	require.NoError(err)

	time.Sleep(10 * time.Millisecond)
	mgr.Stop()
	mgr.Wait()

	require.Greater(calls.Load(), int32(0))
	require.Equal(0, mgr.TaskCount())
}

func TestWaitRearmsManagerForNextPhase(t *testing.T) {
	require := require.New(t)

	mgr := New(context.Background(), logger.GetLogger())

	require.NoError(mgr.Start("once", func() bool { return false }))
	mgr.Wait()

	// After Wait rearms the context, a new task should be able to start.
	var ran atomic.Bool
	require.NoError(mgr.Start("again", func() bool {
		ran.Store(true)

		return false
	}))
	mgr.Wait()

	require.True(ran.Load())
}

func TestStartRecoversFromPanicAndLogsError(t *testing.T) {
	require := require.New(t)

	mockLog := logger.NewMockLogger()
	mockLog.On("Debug", mock.Anything, mock.Anything).Return()
	mockLog.On("Error", mock.Anything, mock.Anything).Return()

	mgr := New(context.Background(), mockLog)

	err := mgr.Start("panicker", func() bool {
		panic("boom")
	})
	require.NoError(err)

	mgr.Wait()
	mockLog.AssertCalled(t, "Error", "panic in task", mock.Anything)
}

func TestSleepReturnsEarlyOnCancellation(t *testing.T) {
	require := require.New(t)

	mgr := New(context.Background(), logger.GetLogger())

	started := make(chan struct{})
	done := make(chan struct{})
	require.NoError(mgr.Start("sleeper", func() bool {
		close(started)
		mgr.Sleep(10 * time.Second)
		close(done)

		return false
	}))

	// Stop only once the task is running: Start's loop checks cancellation
	// before each call, so stopping earlier would skip the task entirely.
	<-started
	mgr.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return promptly on cancellation")
	}

	mgr.Wait()
}
