package core

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/3cpo-dev/appfleet/internal/backends"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

// GenerateOutput is what one successful generation call produced.
type GenerateOutput struct {
	Dir   string
	Files []string
	Text  string
}

// GenerateFunc produces an artifact for spec or fails. JobRunner retries it.
type GenerateFunc func(ctx context.Context, spec api.JobSpec) (GenerateOutput, error)

// Generator binds a backend to an output root.
type Generator struct {
	Backend      backends.Backend
	OutputDir    string
	MaxTurns     int
	AllowedTools []string
	Model        string
}

// EnsureOutputDir creates the output root. Failure aborts the run.
func (g *Generator) EnsureOutputDir() error {
	if err := os.MkdirAll(g.OutputDir, 0o755); err != nil {
		return &InfrastructureError{Op: "create output directory", Err: err}
	}
	return nil
}

// Generate creates <OutputDir>/<spec.ID>, runs the backend in it and lists the
// files it left behind. The attempt fails with ErrNoFiles unless the backend
// created or modified at least one file; leftovers from earlier attempts or
// runs do not count.
func (g *Generator) Generate(ctx context.Context, spec api.JobSpec) (GenerateOutput, error) {
	dir := filepath.Join(g.OutputDir, spec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return GenerateOutput{}, &InfrastructureError{Op: "create app directory", Err: err}
	}
	abs, err := filepath.Abs(dir)
	if err == nil {
		dir = abs
	}
	before, err := stampFiles(dir)
	if err != nil {
		return GenerateOutput{Dir: dir}, fmt.Errorf("list existing files: %w", err)
	}
	resp, err := g.Backend.Generate(ctx, backends.Request{
		Spec:         spec,
		SystemPrompt: backends.SystemPrompt(spec),
		TaskPrompt:   backends.TaskPrompt(spec),
		WorkDir:      dir,
		MaxTurns:     g.MaxTurns,
		AllowedTools: g.AllowedTools,
		Model:        g.Model,
	})
	if err != nil {
		return GenerateOutput{Dir: dir}, fmt.Errorf("%s backend: %w", g.Backend.Name(), err)
	}
	after, err := stampFiles(dir)
	if err != nil {
		return GenerateOutput{Dir: dir}, fmt.Errorf("list generated files: %w", err)
	}
	files := make([]string, 0, len(after))
	for f := range after {
		files = append(files, f)
	}
	sort.Strings(files)
	out := GenerateOutput{Dir: dir, Files: files, Text: resp.Text()}
	if !wroteAny(before, after) {
		return out, ErrNoFiles
	}
	return out, nil
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampFiles(dir string) (map[string]fileStamp, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	stamps := make(map[string]fileStamp, len(files))
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return nil, err
		}
		stamps[f] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return stamps, nil
}

// wroteAny reports whether after holds a file that is new or changed.
func wroteAny(before, after map[string]fileStamp) bool {
	for name, st := range after {
		prev, ok := before[name]
		if !ok || prev.size != st.size || !prev.modTime.Equal(st.modTime) {
			return true
		}
	}
	return false
}

// ListFiles returns the regular files under dir as sorted relative paths,
// ignoring VCS metadata and dependency folders.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules", ".vercel":
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}
