package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Artifact is one generated app directory under the output root.
type Artifact struct {
	ID          string    `json:"id"`
	Dir         string    `json:"dir"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Files       []string  `json:"files"`
	ModTime     time.Time `json:"mod_time"`
}

// JobResult presents the artifact as a successful job result.
func (a Artifact) JobResult() api.JobResult {
	return api.JobResult{
		JobID:            a.ID,
		Succeeded:        true,
		AttemptCount:     1,
		ArtifactLocation: a.Dir,
		Files:            a.Files,
		CompletedAt:      a.ModTime,
	}
}

// ListArtifacts returns every non-empty app directory in root, sorted by id.
// Metadata is read from package.json when present. A missing root yields no
// artifacts.
func ListArtifacts(root string) ([]Artifact, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var out []Artifact
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir, err := filepath.Abs(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		files, err := ListFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", e.Name(), err)
		}
		if len(files) == 0 {
			continue
		}
		a := Artifact{ID: e.Name(), Dir: dir, Files: files}
		if info, err := e.Info(); err == nil {
			a.ModTime = info.ModTime()
		}
		if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
			var pkg struct {
				Name        string `json:"name"`
				Version     string `json:"version"`
				Description string `json:"description"`
			}
			if json.Unmarshal(data, &pkg) == nil {
				a.Name, a.Version, a.Description = pkg.Name, pkg.Version, pkg.Description
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
