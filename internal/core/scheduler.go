package core

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// WorkerShare is the fraction of available parallelism handed to the pool.
const WorkerShare = 0.95

// WorkerCountFor returns max(1, floor(parallelism * 0.95)).
func WorkerCountFor(parallelism int) int {
	n := int(float64(parallelism) * WorkerShare)
	if n < 1 {
		return 1
	}
	return n
}

// DefaultWorkerCount applies WorkerCountFor to the parallelism available to
// this process.
func DefaultWorkerCount() int {
	return WorkerCountFor(runtime.GOMAXPROCS(0))
}

// Runner runs a single job to completion.
type Runner interface {
	Run(ctx context.Context, spec api.JobSpec) api.JobResult
}

// Scheduler fans specs out to a bounded pool and folds the results.
type Scheduler struct {
	Runner Runner
	Now    func() time.Time
}

func NewScheduler(r Runner) *Scheduler {
	return &Scheduler{Runner: r, Now: time.Now}
}

// RunAll runs every spec with at most workers jobs in flight and returns the
// summary with results in completion order. workers <= 0 selects
// DefaultWorkerCount. Individual job failures, including panics, become failed
// results. Cancelling ctx stops new jobs from starting; specs that never
// started are recorded as failed.
func (s *Scheduler) RunAll(ctx context.Context, specs []api.JobSpec, workers int) api.RunSummary {
	if workers <= 0 {
		workers = DefaultWorkerCount()
	}
	start := s.now()
	log.Info().Int("jobs", len(specs)).Int("worker_count", workers).Int("cpu_cores", runtime.NumCPU()).Msg("Starting concurrent generation")

	results := make(chan api.JobResult, len(specs))
	var g errgroup.Group
	g.SetLimit(workers)
	for _, spec := range specs {
		if ctx.Err() != nil {
			results <- s.notStarted(spec, ctx.Err())
			continue
		}
		spec := spec
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results <- s.notStarted(spec, err)
				return nil
			}
			results <- s.runOne(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	collected := make([]api.JobResult, 0, len(specs))
	for res := range results {
		collected = append(collected, res)
	}
	summary := Summarize(collected, start, s.now(), workers)
	log.Info().
		Int("succeeded", summary.SucceededCount).
		Int("total", summary.Total).
		Float64("elapsed_seconds", summary.ElapsedSeconds).
		Int("worker_count", workers).
		Msg("Concurrent generation complete")
	return summary
}

func (s *Scheduler) runOne(ctx context.Context, spec api.JobSpec) (res api.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", spec.ID).Interface("panic", r).Msg("Job panicked")
			res = api.JobResult{JobID: spec.ID, Error: fmt.Sprintf("job panicked: %v", r), CompletedAt: s.now()}
		}
	}()
	return s.normalize(spec, s.Runner.Run(ctx, spec))
}

// normalize enforces the JobResult invariants on whatever the runner returned.
func (s *Scheduler) normalize(spec api.JobSpec, res api.JobResult) api.JobResult {
	if res.JobID == "" {
		res.JobID = spec.ID
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = s.now()
	}
	if res.Succeeded && res.ArtifactLocation == "" {
		res.Succeeded = false
		res.Error = "runner reported success without an artifact location"
	}
	if res.Succeeded {
		res.Error = ""
	} else if res.Error == "" {
		res.Error = "unknown error"
	}
	return res
}

func (s *Scheduler) notStarted(spec api.JobSpec, cause error) api.JobResult {
	return api.JobResult{JobID: spec.ID, Error: fmt.Sprintf("cancelled before start: %v", cause), CompletedAt: s.now()}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
