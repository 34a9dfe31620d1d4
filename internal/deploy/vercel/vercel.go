package vercel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/appfleet/internal/deploy"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

// DashboardURL is recorded when the CLI succeeds without printing a URL.
const DashboardURL = "https://vercel.com/dashboard"

type Options struct {
	Token      string
	Binary     string
	Production bool
	Commander  deploy.Commander
}

type Deployer struct{ opts Options }

func New(opts Options) *Deployer {
	if opts.Binary == "" {
		opts.Binary = "vercel"
	}
	if opts.Commander == nil {
		opts.Commander = deploy.ExecCommander{}
	}
	return &Deployer{opts: opts}
}

func (d *Deployer) Name() string { return "vercel" }

func (d *Deployer) Verify(ctx context.Context) error {
	if d.opts.Token == "" {
		return errors.New("vercel token not configured")
	}
	if _, err := d.opts.Commander.Run(ctx, "", d.opts.Binary, "whoami", "--token", d.opts.Token); err != nil {
		return fmt.Errorf("vercel whoami: %w", err)
	}
	return nil
}

// Prepare writes package.json, vercel.json and .gitignore when missing.
func (d *Deployer) Prepare(res api.JobResult) error {
	dir := res.ArtifactLocation
	if err := EnsurePackageJSON(dir, ProjectName(res.JobID)); err != nil {
		return err
	}
	if err := writeIfMissing(filepath.Join(dir, "vercel.json"), vercelJSON); err != nil {
		return err
	}
	return writeIfMissing(filepath.Join(dir, ".gitignore"), Gitignore)
}

func (d *Deployer) Deploy(ctx context.Context, res api.JobResult) (string, error) {
	args := []string{"--token", d.opts.Token, "--yes"}
	if d.opts.Production {
		args = append(args, "--prod")
	}
	out, err := d.opts.Commander.Run(ctx, res.ArtifactLocation, d.opts.Binary, args...)
	if err != nil {
		return "", err
	}
	if url := deploy.ExtractURL(out.Output(), "vercel.app"); url != "" {
		return url, nil
	}
	return DashboardURL, nil
}

// ProjectName turns a job id into a valid project name.
func ProjectName(jobID string) string {
	name := strings.Trim(strings.ReplaceAll(strings.ToLower(jobID), "_", "-"), "-")
	if name == "" {
		return "app"
	}
	if len(name) > 100 {
		name = strings.TrimRight(name[:100], "-")
	}
	return name
}

type packageJSON struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Private bool              `json:"private"`
	Scripts map[string]string `json:"scripts"`
}

// EnsurePackageJSON writes a minimal static package.json when dir has none.
// An existing file is left as is if it parses.
func EnsurePackageJSON(dir, name string) error {
	path := filepath.Join(dir, "package.json")
	data, err := os.ReadFile(path)
	if err == nil {
		var existing map[string]any
		if json.Unmarshal(data, &existing) == nil {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read package.json: %w", err)
	}
	pkg := packageJSON{
		Name:    name,
		Version: "1.0.0",
		Private: true,
		Scripts: map[string]string{"build": "echo 'static build'"},
	}
	data, err = json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal package.json: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}
	return nil
}

const vercelJSON = `{
  "version": 2,
  "cleanUrls": true
}
`

// Gitignore is the default ignore list for generated apps.
const Gitignore = `node_modules/
.next/
dist/
build/
.vercel/
.env
.env.local
__pycache__/
*.pyc
.venv/
`

func writeIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
