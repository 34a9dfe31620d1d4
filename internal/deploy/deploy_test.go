package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

type fakeDeployer struct {
	name      string
	verifyErr error
	prepErr   error
	block     map[string]bool
	urls      map[string]string
	panicOn   string

	mu       sync.Mutex
	deployed []string
	verified int
}

func (f *fakeDeployer) Name() string { return f.name }

func (f *fakeDeployer) Verify(context.Context) error {
	f.verified++
	return f.verifyErr
}

func (f *fakeDeployer) Prepare(api.JobResult) error { return f.prepErr }

func (f *fakeDeployer) Deploy(ctx context.Context, res api.JobResult) (string, error) {
	f.mu.Lock()
	f.deployed = append(f.deployed, res.JobID)
	f.mu.Unlock()
	if res.JobID == f.panicOn {
		panic("boom")
	}
	if f.block[res.JobID] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if u, ok := f.urls[res.JobID]; ok {
		return u, nil
	}
	return "https://" + res.JobID + ".example.app", nil
}

type sleepRecorder struct{ calls []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return ctx.Err()
}

func succeeded(ids ...string) []api.JobResult {
	var out []api.JobResult
	for _, id := range ids {
		out = append(out, api.JobResult{JobID: id, Succeeded: true, AttemptCount: 1, ArtifactLocation: "/tmp/" + id})
	}
	return out
}

func TestDeployAllTimeoutDoesNotStopBatch(t *testing.T) {
	d := &fakeDeployer{name: "fake", block: map[string]bool{"b": true}}
	sl := &sleepRecorder{}
	s := &Stage{Deployers: []Deployer{d}, Timeout: 20 * time.Millisecond, Pause: time.Second, Sleep: sl.sleep}

	got := s.DeployAll(context.Background(), succeeded("a", "b", "c"))
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if !got[0].Deployed || got[0].URL != "https://a.example.app" {
		t.Fatalf("a: %+v", got[0])
	}
	if got[1].Deployed || !strings.Contains(got[1].Error, "timed out") {
		t.Fatalf("b should time out: %+v", got[1])
	}
	if !got[2].Deployed {
		t.Fatalf("c should still deploy: %+v", got[2])
	}
	if len(d.deployed) != 3 {
		t.Fatalf("expected 3 deploy calls, got %v", d.deployed)
	}
	if len(sl.calls) != 2 {
		t.Fatalf("expected 2 pauses between 3 invocations, got %d", len(sl.calls))
	}
}

func TestDeployAllVerificationFailureIsHard(t *testing.T) {
	bad := &fakeDeployer{name: "bad", verifyErr: errors.New("not logged in")}
	good := &fakeDeployer{name: "good"}
	s := &Stage{Deployers: []Deployer{bad, good}, Timeout: time.Second, Sleep: (&sleepRecorder{}).sleep}

	got := s.DeployAll(context.Background(), succeeded("a", "b"))
	if len(got) != 4 {
		t.Fatalf("expected 4 results, got %d", len(got))
	}
	if bad.verified != 1 {
		t.Fatalf("verify should run once, ran %d", bad.verified)
	}
	if len(bad.deployed) != 0 {
		t.Fatalf("no command may run for an unverified target: %v", bad.deployed)
	}
	for _, r := range got {
		switch r.Target {
		case "bad":
			if r.Deployed || !strings.Contains(r.Error, "not logged in") {
				t.Fatalf("bad target result: %+v", r)
			}
		case "good":
			if !r.Deployed {
				t.Fatalf("good target result: %+v", r)
			}
		}
	}
}

func TestDeployAllSkipsFailedJobs(t *testing.T) {
	d := &fakeDeployer{name: "fake"}
	s := &Stage{Deployers: []Deployer{d}, Sleep: (&sleepRecorder{}).sleep}
	results := append(succeeded("ok"), api.JobResult{JobID: "bad", Error: "boom", AttemptCount: 3})

	got := s.DeployAll(context.Background(), results)
	if len(got) != 1 || got[0].JobID != "ok" {
		t.Fatalf("expected only ok deployed, got %+v", got)
	}
	if s.DeployAll(context.Background(), nil) != nil {
		t.Fatal("empty input should yield nil")
	}
}

func TestDeployAllRecordsFailuresAsData(t *testing.T) {
	d := &fakeDeployer{name: "fake", urls: map[string]string{"nourl": " "}, panicOn: "panics"}
	s := &Stage{Deployers: []Deployer{d}, Sleep: (&sleepRecorder{}).sleep}

	got := s.DeployAll(context.Background(), succeeded("nourl", "panics", "fine"))
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].Deployed || got[0].Error == "" {
		t.Fatalf("empty url must not count as deployed: %+v", got[0])
	}
	if got[1].Deployed || !strings.Contains(got[1].Error, "panicked") {
		t.Fatalf("panic must become a failed result: %+v", got[1])
	}
	if !got[2].Deployed {
		t.Fatalf("fine: %+v", got[2])
	}
	for _, r := range got {
		if r.Deployed == (r.Error != "") || r.Deployed != (r.URL != "") {
			t.Fatalf("invariant broken: %+v", r)
		}
	}
}

func TestDeployAllPrepareError(t *testing.T) {
	d := &fakeDeployer{name: "fake", prepErr: errors.New("read-only")}
	s := &Stage{Deployers: []Deployer{d}, Sleep: (&sleepRecorder{}).sleep}
	got := s.DeployAll(context.Background(), succeeded("a"))
	if got[0].Deployed || !strings.HasPrefix(got[0].Error, "prepare:") {
		t.Fatalf("unexpected %+v", got[0])
	}
	if len(d.deployed) != 0 {
		t.Fatal("deploy must not run after prepare failed")
	}
}

func TestDeployAllCancelled(t *testing.T) {
	d := &fakeDeployer{name: "fake"}
	s := &Stage{Deployers: []Deployer{d}, Sleep: (&sleepRecorder{}).sleep}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := s.DeployAll(ctx, succeeded("a", "b"))
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for _, r := range got {
		if r.Deployed || r.Error == "" {
			t.Fatalf("expected failure, got %+v", r)
		}
	}
}

type recordingObserver struct{ got []api.DeploymentResult }

func (o *recordingObserver) OnDeploy(r api.DeploymentResult) { o.got = append(o.got, r) }

func TestDeployAllNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	s := &Stage{Deployers: []Deployer{&fakeDeployer{name: "fake"}}, Observer: obs, Sleep: (&sleepRecorder{}).sleep}
	s.DeployAll(context.Background(), succeeded("a", "b"))
	if len(obs.got) != 2 {
		t.Fatalf("observer saw %d results", len(obs.got))
	}
}

func TestExtractURL(t *testing.T) {
	cases := []struct {
		name, out, domain, want string
	}{
		{"plain", "Inspect: https://vercel.com/x\nhttps://app-1.vercel.app\n", "vercel.app", "https://app-1.vercel.app"},
		{"production prefix", "Production: https://app.vercel.app [3s]", "vercel.app", "https://app.vercel.app"},
		{"no scheme", "Production: app.vercel.app", "vercel.app", "https://app.vercel.app"},
		{"bare host in sentence", "Deployed to x.vercel.app.", "vercel.app", "https://x.vercel.app"},
		{"https preferred over bare host", "Building x.vercel.app\nReady https://x-1.vercel.app\n", "vercel.app", "https://x-1.vercel.app"},
		{"domain mentioned without host", "Deploying to vercel.app\n", "vercel.app", ""},
		{"other domain", "https://vercel.app.evil.com/x\n", "vercel.app", ""},
		{"github bare path", "Pushed to github.com/me/app", "github.com", "https://github.com/me/app"},
		{"github", "✓ Created repository me/app on GitHub\nhttps://github.com/me/app\n", "github.com", "https://github.com/me/app"},
		{"missing", "done\n", "vercel.app", ""},
	}
	for _, tc := range cases {
		if got := ExtractURL(tc.out, tc.domain); got != tc.want {
			t.Errorf("%s: ExtractURL = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPacer(t *testing.T) {
	now := time.Unix(0, 0)
	sl := &sleepRecorder{}
	p := &Pacer{Interval: 3 * time.Second, Sleep: sl.sleep, Now: func() time.Time { return now }}
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Second)
	}
	if len(sl.calls) != 2 || sl.calls[0] != 2*time.Second {
		t.Fatalf("unexpected sleeps %v", sl.calls)
	}
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeDeployer{name: "b"})
	r.Register(&fakeDeployer{name: "a"})
	if got := r.Names(); strings.Join(got, ",") != "a,b" {
		t.Fatalf("names = %v", got)
	}
	ds, err := r.Select([]string{"b", "a"})
	if err != nil || len(ds) != 2 || ds[0].Name() != "b" {
		t.Fatalf("select: %v %v", ds, err)
	}
	if _, err := r.Select([]string{"nope"}); err == nil {
		t.Fatal("expected error for unknown deployer")
	}
}
