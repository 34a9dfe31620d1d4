package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Observer receives progress callbacks from JobRunner. Callbacks run
// synchronously and are for reporting only; a panicking observer is logged and
// ignored.
type Observer interface {
	OnStart(spec api.JobSpec)
	OnAttempt(spec api.JobSpec, attempt int, lastErr error)
	OnFinish(result api.JobResult)
}

// Observers fans callbacks out to several observers.
type Observers []Observer

func (obs Observers) OnStart(spec api.JobSpec) {
	for _, o := range obs {
		notify(o, func(o Observer) { o.OnStart(spec) })
	}
}

func (obs Observers) OnAttempt(spec api.JobSpec, attempt int, lastErr error) {
	for _, o := range obs {
		notify(o, func(o Observer) { o.OnAttempt(spec, attempt, lastErr) })
	}
}

func (obs Observers) OnFinish(result api.JobResult) {
	for _, o := range obs {
		notify(o, func(o Observer) { o.OnFinish(result) })
	}
}

func notify(o Observer, fn func(Observer)) {
	if o == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Observer panicked")
		}
	}()
	fn(o)
}

// StatusBoard tracks the observable state of every job in a run. It is never
// consulted for control decisions.
type StatusBoard struct {
	mu       sync.Mutex
	statuses map[string]api.JobStatus
	now      func() time.Time
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: map[string]api.JobStatus{}, now: time.Now}
}

// Set records the state of one job.
func (b *StatusBoard) Set(jobID string, state api.RunStatus, attempt int, detail string) {
	b.mu.Lock()
	b.statuses[jobID] = api.JobStatus{JobID: jobID, State: state, Attempt: attempt, Detail: detail, UpdatedAt: b.now()}
	b.mu.Unlock()
}

// Pending marks every spec as queued.
func (b *StatusBoard) Pending(specs []api.JobSpec) {
	for _, s := range specs {
		b.Set(s.ID, api.RunPending, 0, "queued for generation")
	}
}

func (b *StatusBoard) OnStart(spec api.JobSpec) {
	b.Set(spec.ID, api.RunRunning, 0, "starting generation")
}

func (b *StatusBoard) OnAttempt(spec api.JobSpec, attempt int, lastErr error) {
	if lastErr != nil {
		b.Set(spec.ID, api.RunRetrying, attempt, fmt.Sprintf("retrying after: %v", lastErr))
		return
	}
	b.Set(spec.ID, api.RunRunning, attempt, "generating")
}

func (b *StatusBoard) OnFinish(result api.JobResult) {
	if result.Succeeded {
		b.Set(result.JobID, api.RunSucceeded, result.AttemptCount, "generated in "+result.ArtifactLocation)
		return
	}
	b.Set(result.JobID, api.RunFailed, result.AttemptCount, result.Error)
}

// Get returns the status of one job.
func (b *StatusBoard) Get(jobID string) (api.JobStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[jobID]
	return st, ok
}

// Snapshot returns a copy of all statuses sorted by job id.
func (b *StatusBoard) Snapshot() []api.JobStatus {
	b.mu.Lock()
	out := make([]api.JobStatus, 0, len(b.statuses))
	for _, st := range b.statuses {
		out = append(out, st)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Counts tallies jobs per state.
func (b *StatusBoard) Counts() map[api.RunStatus]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[api.RunStatus]int{}
	for _, st := range b.statuses {
		counts[st.State]++
	}
	return counts
}
