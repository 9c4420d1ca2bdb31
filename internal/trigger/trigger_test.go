package trigger

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/jobguard/internal/runner"
)

// mockFirer counts firings and optionally blocks until released.
type mockFirer struct {
	calls   atomic.Int64
	block   chan struct{}
	lastJob atomic.Value
	err     error
}

func (m *mockFirer) OnTrigger(ctx context.Context, jobName string) (runner.TriggerResult, error) {
	m.calls.Add(1)
	m.lastJob.Store(jobName)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}
	return runner.TriggerExecuted, m.err
}

func spec(name string, interval time.Duration) runner.JobSpec {
	return runner.JobSpec{Name: name, Interval: interval, MaxHold: interval}
}

func TestScheduler_FiresAtInterval(t *testing.T) {
	firer := &mockFirer{}
	s := New(firer, zerolog.Nop())
	require.NoError(t, s.Schedule(spec("healthCheck", time.Second)))

	s.Start()
	time.Sleep(2500 * time.Millisecond)
	<-s.Stop().Done()

	assert.GreaterOrEqual(t, firer.calls.Load(), int64(2))
	assert.Equal(t, "healthCheck", firer.lastJob.Load())
}

func TestScheduler_SkipsWhileStillRunning(t *testing.T) {
	firer := &mockFirer{block: make(chan struct{})}
	s := New(firer, zerolog.Nop())
	require.NoError(t, s.Schedule(spec("dailyReportGeneration", time.Second)))

	s.Start()
	time.Sleep(2300 * time.Millisecond)
	assert.Equal(t, int64(1), firer.calls.Load(), "a running firing must not be stacked")

	close(firer.block)
	<-s.Stop().Done()
}

func TestScheduler_StopCancelsFiringContext(t *testing.T) {
	firer := &mockFirer{block: make(chan struct{})}
	s := New(firer, zerolog.Nop())
	require.NoError(t, s.Schedule(spec("cleanupTask", time.Second)))

	s.Start()
	require.Eventually(t, func() bool { return firer.calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight firing did not observe cancellation")
	}
}

func TestScheduler_Schedule_Errors(t *testing.T) {
	s := New(&mockFirer{}, zerolog.Nop())

	err := s.Schedule(spec("job", 0))
	assert.ErrorIs(t, err, runner.ErrInvalidJobSpec)

	require.NoError(t, s.Schedule(spec("job", time.Minute)))
	err = s.Schedule(spec("job", time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyScheduled)

	err = s.ScheduleAll([]runner.JobSpec{spec("other", time.Minute), spec("job", time.Minute)})
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
}

func TestScheduler_LogsFiringErrors(t *testing.T) {
	var buf bytes.Buffer
	firer := &mockFirer{err: errors.New("unknown job")}
	s := New(firer, zerolog.New(&buf))

	s.fire("ghost")

	assert.Contains(t, buf.String(), "trigger failed")
	assert.Contains(t, buf.String(), "ghost")
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{logger: zerolog.New(&buf)}

	l.Error(errors.New("boom"), "panic", "job", "x")

	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"job":"x"`)
}
