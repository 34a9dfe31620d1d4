package template

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3cpo-dev/appfleet/internal/backends"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Backend scaffolds a minimal project offline. It is used for dry runs and
// when no agent CLI is available.
type Backend struct {
	Delay time.Duration
	Now   func() time.Time
}

func New(delay time.Duration) *Backend {
	return &Backend{Delay: delay, Now: time.Now}
}

func (b *Backend) Name() string { return "template" }

func (b *Backend) Generate(ctx context.Context, req backends.Request) (backends.Response, error) {
	if b.Delay > 0 {
		select {
		case <-ctx.Done():
			return backends.Response{}, ctx.Err()
		case <-time.After(b.Delay):
		}
	}
	if req.WorkDir == "" {
		return backends.Response{}, fmt.Errorf("template: work dir required")
	}
	spec := req.Spec
	files := map[string]string{"README.md": b.readme(spec)}
	if strings.Contains(strings.ToLower(spec.TechStack), "python") {
		files["main.py"] = mainPy(spec)
		files["requirements.txt"] = "# Runtime requirements\n"
	} else {
		pkg, err := packageJSON(spec)
		if err != nil {
			return backends.Response{}, err
		}
		files["package.json"] = pkg
		files["index.html"] = indexHTML(spec)
	}

	var resp backends.Response
	for name, content := range files {
		path := filepath.Join(req.WorkDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return resp, fmt.Errorf("write %s: %w", name, err)
		}
		resp.Messages = append(resp.Messages, backends.ToolCallMessage{Name: "Write", Input: map[string]any{"file_path": path}})
	}
	resp.Messages = append(resp.Messages,
		backends.TextMessage{Content: fmt.Sprintf("Scaffolded %s with %d files.", spec.Name, len(files))},
		backends.ResultMessage{Value: "success", Turns: 1},
	)
	return resp, nil
}

func (b *Backend) readme(spec api.JobSpec) string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return fmt.Sprintf(`# %s

## Description
%s

## Goal
%s

## Target User
%s

## Problem Solved
%s

## Design Preferences
%s

## Tech Stack
%s

Generated on: %s
`, spec.Name, spec.Description, spec.AppGoal, spec.TargetUser, spec.MainProblem,
		spec.DesignPreferences, spec.TechStack, now().Format(time.RFC3339))
}

func mainPy(spec api.JobSpec) string {
	return fmt.Sprintf(`"""%s - %s"""


def main():
    print("Welcome to %s!")


if __name__ == "__main__":
    main()
`, spec.Name, spec.Description, spec.Name)
}

func packageJSON(spec api.JobSpec) (string, error) {
	pkg := map[string]any{
		"name":        strings.ReplaceAll(spec.ID, "_", "-"),
		"version":     "1.0.0",
		"description": spec.Description,
		"private":     true,
		"scripts": map[string]string{
			"build": "echo 'static site'",
			"start": "npx serve .",
		},
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal package.json: %w", err)
	}
	return string(data) + "\n", nil
}

func indexHTML(spec api.JobSpec) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, html.EscapeString(spec.Name), html.EscapeString(spec.Name), html.EscapeString(spec.Description))
}
