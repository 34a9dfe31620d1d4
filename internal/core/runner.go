package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// ErrNoFiles marks an attempt that reported success without writing anything.
var ErrNoFiles = errors.New("generation produced no files")

// RetryPolicy is a fixed-delay retry budget. There is no backoff and no jitter.
type RetryPolicy struct {
	MaxAttempts    int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 2s apart, without a per-attempt
// timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// JobRunner executes one JobSpec with retries and always returns a result.
type JobRunner struct {
	Generate GenerateFunc
	Policy   RetryPolicy
	Observer Observer

	// Sleep waits between attempts; it returns early with ctx.Err() on
	// cancellation. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewJobRunner returns a runner with the given generate capability and policy.
func NewJobRunner(gen GenerateFunc, policy RetryPolicy, obs Observer) *JobRunner {
	return &JobRunner{Generate: gen, Policy: policy, Observer: obs}
}

// Run makes up to Policy.MaxAttempts attempts. Failure is reported in the
// returned JobResult, never as an error.
func (r *JobRunner) Run(ctx context.Context, spec api.JobSpec) api.JobResult {
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	notify(r.Observer, func(o Observer) { o.OnStart(spec) })

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		notify(r.Observer, func(o Observer) { o.OnAttempt(spec, attempt, lastErr) })

		out, err := r.attempt(ctx, spec)
		if err == nil && len(out.Files) == 0 {
			err = ErrNoFiles
		}
		if err == nil {
			res := api.JobResult{
				JobID:            spec.ID,
				Succeeded:        true,
				AttemptCount:     attempt,
				ArtifactLocation: out.Dir,
				Files:            out.Files,
				CompletedAt:      r.now(),
			}
			log.Info().Str("job", spec.ID).Int("attempt", attempt).Int("files", len(out.Files)).Msg("Generated app")
			notify(r.Observer, func(o Observer) { o.OnFinish(res) })
			return res
		}

		lastErr = err
		log.Warn().Err(err).Str("job", spec.ID).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("Generation attempt failed")
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		if err := r.sleep(ctx, r.Policy.Delay); err != nil {
			lastErr = fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
			break
		}
	}

	res := api.JobResult{
		JobID:        spec.ID,
		AttemptCount: attempts,
		Error:        lastErr.Error(),
		CompletedAt:  r.now(),
	}
	log.Error().Str("job", spec.ID).Int("attempts", attempts).Str("error", res.Error).Msg("Generation failed")
	notify(r.Observer, func(o Observer) { o.OnFinish(res) })
	return res
}

func (r *JobRunner) attempt(ctx context.Context, spec api.JobSpec) (GenerateOutput, error) {
	if err := ctx.Err(); err != nil {
		return GenerateOutput{}, fmt.Errorf("not started: %w", err)
	}
	if r.Policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Policy.AttemptTimeout)
		defer cancel()
	}
	out, err := r.Generate(ctx, spec)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("attempt timed out after %s: %w", r.Policy.AttemptTimeout, err)
	}
	return out, err
}

func (r *JobRunner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (r *JobRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
