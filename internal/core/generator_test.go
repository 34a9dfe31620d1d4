package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/appfleet/internal/backends"
	"github.com/3cpo-dev/appfleet/internal/backends/template"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

type failingBackend struct{ err error }

func (failingBackend) Name() string { return "failing" }

func (b failingBackend) Generate(context.Context, backends.Request) (backends.Response, error) {
	return backends.Response{}, b.err
}

func TestGeneratorWithTemplateBackend(t *testing.T) {
	g := &Generator{Backend: template.New(0), OutputDir: t.TempDir()}
	if err := g.EnsureOutputDir(); err != nil {
		t.Fatal(err)
	}
	spec := api.JobSpec{ID: "notes", Name: "Notes", Description: "Write notes", TechStack: "Python/FastAPI"}
	out, err := g.Generate(context.Background(), spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !filepath.IsAbs(out.Dir) || filepath.Base(out.Dir) != "notes" {
		t.Fatalf("dir = %q", out.Dir)
	}
	want := "README.md,main.py,requirements.txt"
	if strings.Join(out.Files, ",") != want {
		t.Fatalf("files = %v, want %s", out.Files, want)
	}
	if !strings.Contains(out.Text, "Notes") {
		t.Fatalf("text = %q", out.Text)
	}
}

func TestGeneratorWrapsBackendError(t *testing.T) {
	g := &Generator{Backend: failingBackend{err: errors.New("quota")}, OutputDir: t.TempDir()}
	_, err := g.Generate(context.Background(), api.JobSpec{ID: "x"})
	if err == nil || !strings.Contains(err.Error(), "failing backend: quota") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnsureOutputDirInfrastructureError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	g := &Generator{OutputDir: filepath.Join(file, "sub")}
	err := g.EnsureOutputDir()
	var ie *InfrastructureError
	if !errors.As(err, &ie) || !IsSetupError(err) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
}

func TestListFilesSkipsVendorDirs(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.txt", "src/b.go", "node_modules/x/y.js", ".git/HEAD", ".vercel/project.json"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(files, ",") != "a.txt,src/b.go" {
		t.Fatalf("files = %v", files)
	}
}

// funcBackend runs fn in the work dir on every call.
type funcBackend struct {
	calls int
	fn    func(call int, dir string) error
}

func (*funcBackend) Name() string { return "func" }

func (b *funcBackend) Generate(_ context.Context, req backends.Request) (backends.Response, error) {
	b.calls++
	return backends.Response{}, b.fn(b.calls, req.WorkDir)
}

func TestGeneratorIgnoresExistingFiles(t *testing.T) {
	out := t.TempDir()
	stale := filepath.Join(out, "notes", "README.md")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("from an earlier run"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := &Generator{Backend: &funcBackend{fn: func(int, string) error { return nil }}, OutputDir: out}
	res, err := g.Generate(context.Background(), api.JobSpec{ID: "notes"})
	if !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if strings.Join(res.Files, ",") != "README.md" {
		t.Fatalf("files = %v", res.Files)
	}
}

func TestGeneratorCountsModifiedFiles(t *testing.T) {
	out := t.TempDir()
	path := filepath.Join(out, "notes", "README.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	be := &funcBackend{fn: func(_ int, dir string) error {
		return os.WriteFile(filepath.Join(dir, "README.md"), []byte("rewritten by the agent"), 0o644)
	}}
	g := &Generator{Backend: be, OutputDir: out}
	if _, err := g.Generate(context.Background(), api.JobSpec{ID: "notes"}); err != nil {
		t.Fatalf("rewrite must count as output: %v", err)
	}
}

func TestRunnerRejectsLeftoversFromFailedAttempt(t *testing.T) {
	be := &funcBackend{fn: func(call int, dir string) error {
		if call == 1 {
			if err := os.WriteFile(filepath.Join(dir, "partial.txt"), []byte("half"), 0o644); err != nil {
				return err
			}
			return errors.New("agent crashed")
		}
		return nil
	}}
	g := &Generator{Backend: be, OutputDir: t.TempDir()}
	r := NewJobRunner(g.Generate, RetryPolicy{MaxAttempts: 2}, nil)
	r.Sleep = func(context.Context, time.Duration) error { return nil }

	res := r.Run(context.Background(), api.JobSpec{ID: "todo"})
	if res.Succeeded {
		t.Fatalf("leftover files must not count as success: %+v", res)
	}
	if res.AttemptCount != 2 || !strings.Contains(res.Error, ErrNoFiles.Error()) {
		t.Fatalf("unexpected result %+v", res)
	}
}
