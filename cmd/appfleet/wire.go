package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/appfleet/internal/backends"
	"github.com/3cpo-dev/appfleet/internal/backends/claude"
	"github.com/3cpo-dev/appfleet/internal/backends/template"
	"github.com/3cpo-dev/appfleet/internal/core"
	"github.com/3cpo-dev/appfleet/internal/deploy"
	"github.com/3cpo-dev/appfleet/internal/deploy/github"
	dsftp "github.com/3cpo-dev/appfleet/internal/deploy/sftp"
	"github.com/3cpo-dev/appfleet/internal/deploy/vercel"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

func resolveBackend(cfg core.Config) (backends.Backend, error) {
	reg := backends.NewRegistry()
	reg.Register(claude.New(claude.Options{
		Binary: cfg.Generation.ClaudeBinary,
		Model:  cfg.Generation.Model,
		APIKey: cfg.Generation.APIKey,
	}))
	reg.Register(template.New(0))
	return reg.Get(cfg.Generation.Backend)
}

func newGenerator(cfg core.Config) (*core.Generator, error) {
	b, err := resolveBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &core.Generator{
		Backend:      b,
		OutputDir:    cfg.Generation.OutputDir,
		MaxTurns:     cfg.Generation.MaxTurns,
		AllowedTools: cfg.Generation.AllowedTools,
		Model:        cfg.Generation.Model,
	}, nil
}

func retryPolicy(cfg core.Config) core.RetryPolicy {
	def := core.DefaultRetryPolicy()
	p := core.RetryPolicy{
		MaxAttempts:    cfg.Generation.MaxAttempts,
		Delay:          core.Duration(cfg.Generation.RetryDelay, def.Delay),
		AttemptTimeout: core.Duration(cfg.Generation.AttemptTimeout, 0),
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

func newDeployStage(cfg core.Config, targets []string) (*deploy.Stage, error) {
	d := cfg.Deploy
	reg := deploy.NewRegistry()
	reg.Register(vercel.New(vercel.Options{
		Token:      d.Vercel.Token,
		Binary:     d.Vercel.Binary,
		Production: d.Vercel.Production,
	}))
	reg.Register(github.New(github.Options{
		Token:   d.GitHub.Token,
		Binary:  d.GitHub.Binary,
		Owner:   d.GitHub.Owner,
		Private: d.GitHub.Private,
	}))
	reg.Register(dsftp.New(dsftp.Options{
		Host:       d.SFTP.Host,
		Port:       d.SFTP.Port,
		User:       d.SFTP.User,
		KeyPath:    d.SFTP.KeyPath,
		KnownHosts: d.SFTP.KnownHosts,
		RemoteDir:  d.SFTP.RemoteDir,
	}))
	if len(targets) == 0 {
		targets = d.Targets
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no deploy targets configured (available: %v)", reg.Names())
	}
	deployers, err := reg.Select(targets)
	if err != nil {
		return nil, err
	}
	stage := deploy.NewStage(deployers...)
	stage.Timeout = core.Duration(d.Timeout, deploy.DefaultTimeout)
	stage.Pause = core.Duration(d.Pause, deploy.DefaultPause)
	return stage, nil
}

// openStore returns nil when history is disabled or cannot be opened; run
// history never blocks a run.
func openStore(cfg core.Config) *core.Store {
	if cfg.Store.Driver == "none" || cfg.Store.DSN == "" {
		return nil
	}
	s, err := core.NewStore(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Store.Driver).Msg("Run history disabled")
		return nil
	}
	return s
}

const telemetryFlushEvery = 30 * time.Second
