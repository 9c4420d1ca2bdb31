package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/jobguard/internal/journal"
	"github.com/kneutral-org/jobguard/internal/runner"
)

func lowest(lo, hi int) int {
	return lo
}

type recordingRegistrar struct {
	specs []runner.JobSpec
	err   error
}

func (r *recordingRegistrar) RegisterJob(spec runner.JobSpec, body runner.Body) error {
	if r.err != nil {
		return r.err
	}
	r.specs = append(r.specs, spec)
	return nil
}

func TestDefinitions_Timings(t *testing.T) {
	defs := Definitions(1)
	require.Len(t, defs, 4)

	want := map[string][4]time.Duration{
		DataSync:    {30 * time.Second, 5 * time.Second, 25 * time.Second, 5 * time.Minute},
		DailyReport: {time.Minute, 30 * time.Second, 2 * time.Minute, 24 * time.Hour},
		Cleanup:     {2 * time.Minute, 10 * time.Second, time.Minute, 10 * time.Minute},
		HealthCheck: {15 * time.Second, 2 * time.Second, 10 * time.Second, 3 * time.Minute},
	}

	for _, def := range defs {
		w, ok := want[def.Spec.Name]
		require.True(t, ok, def.Spec.Name)
		assert.Equal(t, w[0], def.Spec.Interval, def.Spec.Name)
		assert.Equal(t, w[1], def.Spec.MinHold, def.Spec.Name)
		assert.Equal(t, w[2], def.Spec.MaxHold, def.Spec.Name)
		assert.Equal(t, w[3], def.Spec.Retention, def.Spec.Name)
		assert.NoError(t, def.Spec.Validate())
		assert.Len(t, def.Spec.Aliases, 1)
	}
}

func TestDefinitions_Scaled(t *testing.T) {
	for _, def := range Definitions(0.01) {
		assert.GreaterOrEqual(t, def.Spec.Interval, minInterval, def.Spec.Name)
		assert.LessOrEqual(t, def.Spec.MinHold, def.Spec.MaxHold, def.Spec.Name)
		assert.NoError(t, def.Spec.Validate())
	}

	health := Definitions(0.1)[3]
	assert.Equal(t, HealthCheck, health.Spec.Name)
	assert.Equal(t, 200*time.Millisecond, health.Spec.MinHold)
	assert.Equal(t, time.Second, health.Spec.MaxHold)
}

func TestBodies_Details(t *testing.T) {
	const scale = 0.001
	defs := Definitions(scale, WithRandom(lowest))
	ctx := context.Background()

	syncTime := time.Duration(float64(3000*time.Millisecond) * scale)
	details := map[string]string{
		DataSync:    fmt.Sprintf("Duration: %dms", syncTime.Milliseconds()),
		DailyReport: "Size: 500KB",
		Cleanup:     "Cleaned: 10 items",
		HealthCheck: "Status: HEALTHY",
	}

	for _, def := range defs {
		result, err := def.Body(ctx)
		require.NoError(t, err, def.Spec.Name)
		assert.Equal(t, journal.OutcomeSuccess, result.Outcome)
		assert.Equal(t, details[def.Spec.Name], result.Detail)
	}
}

func TestBodies_StopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, def := range Definitions(1) {
		start := time.Now()
		_, err := def.Body(ctx)
		assert.ErrorIs(t, err, context.Canceled, def.Spec.Name)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	}
}

func TestRegister(t *testing.T) {
	reg := &recordingRegistrar{}
	require.NoError(t, Register(reg, Definitions(1)))
	assert.Len(t, reg.specs, 4)

	err := Register(&recordingRegistrar{err: runner.ErrDuplicateJob}, Definitions(1))
	assert.True(t, errors.Is(err, runner.ErrDuplicateJob))
}
