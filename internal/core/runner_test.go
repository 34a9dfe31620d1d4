package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// scriptedGen fails until attempt succeedOn (0 = never) and records calls.
type scriptedGen struct {
	mu        sync.Mutex
	calls     int
	succeedOn int
	files     []string
	err       error
}

func (g *scriptedGen) generate(ctx context.Context, spec api.JobSpec) (GenerateOutput, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if g.succeedOn > 0 && n >= g.succeedOn {
		files := g.files
		if files == nil {
			files = []string{"README.md"}
		}
		return GenerateOutput{Dir: "/out/" + spec.ID, Files: files}, nil
	}
	if g.err != nil {
		return GenerateOutput{}, g.err
	}
	return GenerateOutput{}, errors.New("backend exploded")
}

type sleepLog struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestRunner(g *scriptedGen, max int, sl *sleepLog) *JobRunner {
	r := NewJobRunner(g.generate, RetryPolicy{MaxAttempts: max, Delay: 2 * time.Second}, nil)
	r.Sleep = sl.sleep
	return r
}

func TestJobRunnerFirstAttemptSuccess(t *testing.T) {
	g := &scriptedGen{succeedOn: 1}
	sl := &sleepLog{}
	res := newTestRunner(g, 3, sl).Run(context.Background(), api.JobSpec{ID: "todo"})
	if !res.Succeeded || res.AttemptCount != 1 || res.ArtifactLocation != "/out/todo" || res.Error != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(sl.calls) != 0 {
		t.Fatalf("no sleep expected, got %v", sl.calls)
	}
}

func TestJobRunnerSucceedsOnAttemptK(t *testing.T) {
	for k := 1; k <= 3; k++ {
		g := &scriptedGen{succeedOn: k}
		sl := &sleepLog{}
		res := newTestRunner(g, 3, sl).Run(context.Background(), api.JobSpec{ID: "x"})
		if !res.Succeeded || res.AttemptCount != k {
			t.Fatalf("k=%d: %+v", k, res)
		}
		if len(sl.calls) != k-1 {
			t.Fatalf("k=%d: expected %d sleeps, got %d", k, k-1, len(sl.calls))
		}
		for _, d := range sl.calls {
			if d != 2*time.Second {
				t.Fatalf("fixed delay expected, got %v", d)
			}
		}
	}
}

func TestJobRunnerExhaustsAttempts(t *testing.T) {
	g := &scriptedGen{err: errors.New("rate limited")}
	sl := &sleepLog{}
	res := newTestRunner(g, 3, sl).Run(context.Background(), api.JobSpec{ID: "x"})
	if res.Succeeded || res.AttemptCount != 3 || res.Error != "rate limited" {
		t.Fatalf("unexpected result %+v", res)
	}
	if g.calls != 3 || len(sl.calls) != 2 {
		t.Fatalf("calls=%d sleeps=%d", g.calls, len(sl.calls))
	}
	if res.ArtifactLocation != "" {
		t.Fatal("failed result must not carry an artifact")
	}
}

func TestJobRunnerZeroFilesIsFailure(t *testing.T) {
	g := &scriptedGen{succeedOn: 1, files: []string{}}
	sl := &sleepLog{}
	res := newTestRunner(g, 2, sl).Run(context.Background(), api.JobSpec{ID: "x"})
	if res.Succeeded || res.AttemptCount != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Error, ErrNoFiles.Error()) {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestJobRunnerMaxAttemptsFloor(t *testing.T) {
	g := &scriptedGen{}
	res := newTestRunner(g, 0, &sleepLog{}).Run(context.Background(), api.JobSpec{ID: "x"})
	if res.AttemptCount != 1 || g.calls != 1 {
		t.Fatalf("expected a single attempt, got %+v", res)
	}
}

func TestJobRunnerAttemptTimeout(t *testing.T) {
	gen := func(ctx context.Context, spec api.JobSpec) (GenerateOutput, error) {
		<-ctx.Done()
		return GenerateOutput{}, ctx.Err()
	}
	r := NewJobRunner(gen, RetryPolicy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}, nil)
	r.Sleep = (&sleepLog{}).sleep
	res := r.Run(context.Background(), api.JobSpec{ID: "slow"})
	if res.Succeeded || res.AttemptCount != 2 || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestJobRunnerStopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := func(ctx context.Context, spec api.JobSpec) (GenerateOutput, error) {
		cancel()
		return GenerateOutput{}, errors.New("interrupted")
	}
	r := NewJobRunner(gen, RetryPolicy{MaxAttempts: 5, Delay: time.Hour}, nil)
	res := r.Run(ctx, api.JobSpec{ID: "x"})
	if res.Succeeded || res.AttemptCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	starts   int
	attempts []int
	retried  int
	finished []api.JobResult
}

func (o *recordingObserver) OnStart(api.JobSpec) { o.mu.Lock(); o.starts++; o.mu.Unlock() }

func (o *recordingObserver) OnAttempt(_ api.JobSpec, attempt int, lastErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
	if lastErr != nil {
		o.retried++
	}
}

func (o *recordingObserver) OnFinish(r api.JobResult) {
	o.mu.Lock()
	o.finished = append(o.finished, r)
	o.mu.Unlock()
}

type panickyObserver struct{}

func (panickyObserver) OnStart(api.JobSpec)               { panic("start") }
func (panickyObserver) OnAttempt(api.JobSpec, int, error) { panic("attempt") }
func (panickyObserver) OnFinish(api.JobResult)            { panic("finish") }

func TestJobRunnerNotifiesObservers(t *testing.T) {
	g := &scriptedGen{succeedOn: 2}
	rec := &recordingObserver{}
	r := NewJobRunner(g.generate, RetryPolicy{MaxAttempts: 3}, Observers{panickyObserver{}, rec})
	r.Sleep = (&sleepLog{}).sleep
	res := r.Run(context.Background(), api.JobSpec{ID: "x"})
	if !res.Succeeded {
		t.Fatalf("observer panic must not affect the job: %+v", res)
	}
	if rec.starts != 1 || len(rec.attempts) != 2 || rec.retried != 1 || len(rec.finished) != 1 {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
}
