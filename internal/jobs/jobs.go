// Package jobs defines the demonstration workload: four periodic jobs with
// simulated work whose timings exercise contention, min-hold and max-hold.
package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kneutral-org/jobguard/internal/runner"
)

// Job names.
const (
	DataSync    = "dataSyncTask"
	DailyReport = "dailyReportGeneration"
	Cleanup     = "cleanupTask"
	HealthCheck = "healthCheck"
)

// minInterval is the finest interval the trigger can honor.
const minInterval = time.Second

// Definition pairs a job spec with its body.
type Definition struct {
	Spec runner.JobSpec
	Body runner.Body
}

// Registrar accepts job registrations.
type Registrar interface {
	RegisterJob(spec runner.JobSpec, body runner.Body) error
}

type workload struct {
	scale float64
	intn  func(lo, hi int) int
}

// Option configures the demo workload.
type Option func(*workload)

// WithRandom replaces the source of simulated durations and sizes.
// fn must return a value in [lo, hi).
func WithRandom(fn func(lo, hi int) int) Option {
	return func(w *workload) {
		if fn != nil {
			w.intn = fn
		}
	}
}

// Definitions returns the demo jobs with every duration multiplied by scale.
func Definitions(scale float64, opts ...Option) []Definition {
	if scale <= 0 {
		scale = 1
	}
	w := &workload{
		scale: scale,
		intn:  func(lo, hi int) int { return lo + rand.Intn(hi-lo) },
	}
	for _, opt := range opts {
		opt(w)
	}

	return []Definition{
		{
			Spec: w.spec(DataSync, 30*time.Second, 5*time.Second, 25*time.Second, 5*time.Minute, "datasync"),
			Body: w.dataSync,
		},
		{
			Spec: w.spec(DailyReport, time.Minute, 30*time.Second, 2*time.Minute, 24*time.Hour, "report"),
			Body: w.dailyReport,
		},
		{
			Spec: w.spec(Cleanup, 2*time.Minute, 10*time.Second, time.Minute, 10*time.Minute, "cleanup"),
			Body: w.cleanup,
		},
		{
			Spec: w.spec(HealthCheck, 15*time.Second, 2*time.Second, 10*time.Second, 3*time.Minute, "health"),
			Body: w.healthCheck,
		},
	}
}

// Register registers every definition with r.
func Register(r Registrar, defs []Definition) error {
	for _, def := range defs {
		if err := r.RegisterJob(def.Spec, def.Body); err != nil {
			return fmt.Errorf("register %s: %w", def.Spec.Name, err)
		}
	}
	return nil
}

func (w *workload) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * w.scale)
}

func (w *workload) spec(name string, interval, minHold, maxHold, retention time.Duration, alias string) runner.JobSpec {
	return runner.JobSpec{
		Name:      name,
		Interval:  max(w.scaled(interval), minInterval),
		MinHold:   w.scaled(minHold),
		MaxHold:   w.scaled(maxHold),
		Retention: max(w.scaled(retention), time.Second),
		Aliases:   []string{alias},
	}
}

// work simulates lo..hi milliseconds of (scaled) processing.
func (w *workload) work(ctx context.Context, lo, hi int) (time.Duration, error) {
	d := w.scaled(time.Duration(w.intn(lo, hi)) * time.Millisecond)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return d, ctx.Err()
	}
}

func (w *workload) dataSync(ctx context.Context) (runner.Result, error) {
	d, err := w.work(ctx, 3000, 8000)
	if err != nil {
		return runner.Result{}, fmt.Errorf("data synchronization interrupted: %w", err)
	}
	return runner.Success(fmt.Sprintf("Duration: %dms", d.Milliseconds())), nil
}

func (w *workload) dailyReport(ctx context.Context) (runner.Result, error) {
	if _, err := w.work(ctx, 10000, 45000); err != nil {
		return runner.Result{}, fmt.Errorf("report generation interrupted: %w", err)
	}
	return runner.Success(fmt.Sprintf("Size: %dKB", w.intn(500, 2000))), nil
}

func (w *workload) cleanup(ctx context.Context) (runner.Result, error) {
	if _, err := w.work(ctx, 5000, 20000); err != nil {
		return runner.Result{}, fmt.Errorf("cleanup interrupted: %w", err)
	}
	return runner.Success(fmt.Sprintf("Cleaned: %d items", w.intn(10, 100))), nil
}

func (w *workload) healthCheck(ctx context.Context) (runner.Result, error) {
	if _, err := w.work(ctx, 1000, 3000); err != nil {
		return runner.Result{}, fmt.Errorf("health check interrupted: %w", err)
	}
	return runner.Success("Status: HEALTHY"), nil
}
