package github

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/appfleet/internal/deploy"
	"github.com/3cpo-dev/appfleet/internal/deploy/vercel"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

type Options struct {
	Token     string
	Binary    string
	GitBinary string
	Owner     string
	Private   bool
	Commander deploy.Commander
}

// Deployer creates a repository per app with the gh CLI and pushes the
// artifact directory to it.
type Deployer struct{ opts Options }

func New(opts Options) *Deployer {
	if opts.Binary == "" {
		opts.Binary = "gh"
	}
	if opts.GitBinary == "" {
		opts.GitBinary = "git"
	}
	if opts.Commander == nil {
		var env []string
		if opts.Token != "" {
			env = append(env, "GH_TOKEN="+opts.Token)
		}
		opts.Commander = deploy.ExecCommander{Env: env}
	}
	return &Deployer{opts: opts}
}

func (d *Deployer) Name() string { return "github" }

func (d *Deployer) Verify(ctx context.Context) error {
	if _, err := d.opts.Commander.Run(ctx, "", d.opts.Binary, "auth", "status"); err != nil {
		return fmt.Errorf("gh auth status: %w", err)
	}
	return nil
}

// Prepare adds a .gitignore. The repository itself is created inside Deploy so
// the git commands share its timeout.
func (d *Deployer) Prepare(res api.JobResult) error {
	if res.ArtifactLocation == "" {
		return errors.New("artifact location is empty")
	}
	path := filepath.Join(res.ArtifactLocation, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(vercel.Gitignore), 0o644); err != nil {
		return fmt.Errorf("write .gitignore: %w", err)
	}
	return nil
}

func (d *Deployer) Deploy(ctx context.Context, res api.JobResult) (string, error) {
	dir := res.ArtifactLocation
	if err := d.initRepo(ctx, dir, res.JobID); err != nil {
		return "", err
	}
	visibility := "--public"
	if d.opts.Private {
		visibility = "--private"
	}
	out, err := d.opts.Commander.Run(ctx, dir, d.opts.Binary,
		"repo", "create", d.RepoName(res.JobID), visibility, "--source", ".", "--push")
	if err != nil {
		return "", err
	}
	if url := deploy.ExtractURL(out.Output(), "github.com"); url != "" {
		return url, nil
	}
	owner := d.opts.Owner
	if owner == "" {
		return "", errors.New("gh did not report a repository url")
	}
	return fmt.Sprintf("https://github.com/%s/%s", owner, vercel.ProjectName(res.JobID)), nil
}

// RepoName is "owner/name" when an owner is configured.
func (d *Deployer) RepoName(jobID string) string {
	name := vercel.ProjectName(jobID)
	if d.opts.Owner != "" {
		return d.opts.Owner + "/" + name
	}
	return name
}

func (d *Deployer) initRepo(ctx context.Context, dir, jobID string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	steps := []struct {
		name string
		args []string
	}{
		{"init", []string{"init", "-b", "main"}},
		{"add", []string{"add", "-A"}},
		{"commit", []string{"-c", "user.name=appfleet", "-c", "user.email=appfleet@localhost", "commit", "-m", "Initial commit: " + jobID}},
	}
	for _, step := range steps {
		if _, err := d.opts.Commander.Run(ctx, dir, d.opts.GitBinary, step.args...); err != nil {
			return fmt.Errorf("git %s: %w", step.name, err)
		}
	}
	return nil
}
