package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/appfleet/internal/core"
	gssh "github.com/3cpo-dev/appfleet/internal/ssh"
	"github.com/3cpo-dev/appfleet/internal/telemetry"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Generate every app in a CSV, optionally deploying the successes
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate apps from a CSV of specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, &cfg)
			input, _ := cmd.Flags().GetString("input")
			doDeploy, _ := cmd.Flags().GetBool("deploy")
			asJSON, _ := cmd.Flags().GetBool("json")

			gen, err := newGenerator(cfg)
			if err != nil {
				return err
			}
			o := &core.Orchestrator{
				Generator: gen,
				Policy:    retryPolicy(cfg),
				Workers:   cfg.Scheduler.Workers,
				Status:    core.NewStatusBoard(),
			}

			if doDeploy || cfg.Deploy.Enabled {
				targets, _ := cmd.Flags().GetStringSlice("targets")
				if o.Deploy, err = newDeployStage(cfg, targets); err != nil {
					return err
				}
			}

			if o.Store = openStore(cfg); o.Store != nil {
				defer o.Store.Close()
			}

			var collector *telemetry.Collector
			if cfg.Telemetry.Enabled || cfg.Telemetry.MonitoringAddr != "" {
				collector = telemetry.NewCollector(true, telemetryFlushEvery)
				defer collector.Shutdown()
				o.Observers = core.Observers{collector}
				if o.Deploy != nil {
					o.Deploy.Observer = collector
				}
			}
			if addr := cfg.Telemetry.MonitoringAddr; addr != "" {
				ms := telemetry.NewMonitoringServer(addr, collector, o.Status)
				if o.Store != nil {
					ms.RegisterHealthCheck("store", telemetry.PingCheck("store", o.Store.Ping))
				}
				ms.Start()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = ms.Shutdown(ctx)
				}()
			}

			rep, err := o.Run(cmd.Context(), input)
			if err != nil {
				return err
			}
			if collector != nil {
				collector.RecordRun(rep.Summary)
			}
			return printReport(cmd.OutOrStdout(), rep, asJSON)
		},
	}
	cmd.Flags().StringP("input", "i", "", "CSV file with app specifications")
	cmd.Flags().IntP("workers", "w", 0, "concurrent jobs (0 = 95% of available CPUs)")
	cmd.Flags().StringP("output", "o", "", "output directory for generated apps")
	cmd.Flags().String("backend", "", "generation backend (claude, template)")
	cmd.Flags().Int("max-attempts", 0, "attempts per app before giving up")
	cmd.Flags().Duration("retry-delay", 0, "fixed delay between attempts")
	cmd.Flags().Duration("attempt-timeout", 0, "upper bound on a single attempt")
	cmd.Flags().Bool("deploy", false, "deploy successfully generated apps")
	cmd.Flags().StringSlice("targets", nil, "deploy targets (vercel, github, sftp)")
	cmd.Flags().Bool("json", false, "print the run report as JSON")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *core.Config) {
	fl := cmd.Flags()
	if fl.Changed("workers") {
		cfg.Scheduler.Workers, _ = fl.GetInt("workers")
	}
	if fl.Changed("output") {
		cfg.Generation.OutputDir, _ = fl.GetString("output")
	}
	if fl.Changed("backend") {
		cfg.Generation.Backend, _ = fl.GetString("backend")
	}
	if fl.Changed("max-attempts") {
		cfg.Generation.MaxAttempts, _ = fl.GetInt("max-attempts")
	}
	if fl.Changed("retry-delay") {
		d, _ := fl.GetDuration("retry-delay")
		cfg.Generation.RetryDelay = d.String()
	}
	if fl.Changed("attempt-timeout") {
		d, _ := fl.GetDuration("attempt-timeout")
		cfg.Generation.AttemptTimeout = d.String()
	}
}

func printReport(w io.Writer, rep *core.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	sum := rep.Summary
	if rep.Summary.Total > 0 {
		fmt.Fprintf(w, "run %s: generated %d/%d apps in %.2fs with %d workers\n",
			rep.RunID, sum.SucceededCount, sum.Total, sum.ElapsedSeconds, sum.WorkerCount)
		for _, r := range sum.Succeeded() {
			fmt.Fprintf(w, "  ok    %s  %s (attempts: %d)\n", r.JobID, r.ArtifactLocation, r.AttemptCount)
		}
		for _, r := range sum.Failed() {
			fmt.Fprintf(w, "  fail  %s  %s (attempts: %d)\n", r.JobID, r.Error, r.AttemptCount)
		}
	}
	printDeployments(w, rep.Deployments)
	return nil
}

func printDeployments(w io.Writer, deps []api.DeploymentResult) {
	if len(deps) == 0 {
		return
	}
	ok := 0
	for _, d := range deps {
		if d.Deployed {
			ok++
		}
	}
	fmt.Fprintf(w, "deployed %d/%d\n", ok, len(deps))
	for _, d := range deps {
		if d.Deployed {
			fmt.Fprintf(w, "  ok    %s  %s  %s\n", d.JobID, d.Target, d.URL)
			continue
		}
		fmt.Fprintf(w, "  fail  %s  %s  %s\n", d.JobID, d.Target, d.Error)
	}
}

// Check a CSV without generating anything
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a CSV of app specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			specs, err := core.LoadSpecs(input)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d app specifications\n", input, len(specs))
			for i, s := range specs {
				if i == 3 {
					fmt.Fprintf(out, "  ... and %d more\n", len(specs)-3)
					break
				}
				fmt.Fprintf(out, "  %s  %s: %s\n", s.ID, s.Name, s.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringP("input", "i", "", "CSV file with app specifications")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// Show run history
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show recent runs or the details of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := openStore(cfg)
			if store == nil {
				return errors.New("run history is disabled")
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "run %s  %s\n", run.ID, run.Source)
				fmt.Fprintf(out, "  %d/%d succeeded in %.2fs with %d workers, started %s\n",
					run.Succeeded, run.Total, run.ElapsedSeconds, run.WorkerCount, run.StartedAt.Format(time.RFC3339))
				for _, r := range run.Results {
					if r.Succeeded {
						fmt.Fprintf(out, "  ok    %s  %s (attempts: %d)\n", r.JobID, r.ArtifactLocation, r.AttemptCount)
					} else {
						fmt.Fprintf(out, "  fail  %s  %s (attempts: %d)\n", r.JobID, r.Error, r.AttemptCount)
					}
				}
				printDeployments(out, run.Deployments)
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  %d/%d  %.2fs  %s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Succeeded, r.Total, r.ElapsedSeconds, r.Source)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	return cmd
}

// List generated apps on disk
func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List generated apps in the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				cfg.Generation.OutputDir, _ = cmd.Flags().GetString("output")
			}
			arts, err := core.ListArtifacts(cfg.Generation.OutputDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(arts) == 0 {
				fmt.Fprintf(out, "no apps in %s\n", cfg.Generation.OutputDir)
				return nil
			}
			for _, a := range arts {
				fmt.Fprintf(out, "%s  %d files  %s\n", a.ID, len(a.Files), a.Dir)
				if a.Description != "" {
					fmt.Fprintf(out, "  %s\n", a.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output directory for generated apps")
	return cmd
}

// Deploy apps that were generated earlier
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy [APP_ID...]",
		Short: "Deploy previously generated apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				cfg.Generation.OutputDir, _ = cmd.Flags().GetString("output")
			}
			targets, _ := cmd.Flags().GetStringSlice("targets")
			stage, err := newDeployStage(cfg, targets)
			if err != nil {
				return err
			}
			o := &core.Orchestrator{
				Generator: &core.Generator{OutputDir: cfg.Generation.OutputDir},
				Deploy:    stage,
			}
			if o.Store = openStore(cfg); o.Store != nil {
				defer o.Store.Close()
			}
			rep, err := o.DeployArtifacts(cmd.Context(), args)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printReport(cmd.OutOrStdout(), rep, asJSON)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output directory for generated apps")
	cmd.Flags().StringSlice("targets", nil, "deploy targets (vercel, github, sftp)")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

// Initialize configuration and SSH keys
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the SSH key used for sftp deploys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			dir := filepath.Dir(cfgPath)
			keyPath := filepath.Join(dir, "ssh", "id_ed25519")
			knownHosts := filepath.Join(dir, "ssh", "known_hosts")
			out := cmd.OutOrStdout()

			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "config exists: %s\n", cfgPath)
			} else {
				cfg := core.DefaultConfig()
				cfg.Deploy.SFTP.KeyPath = keyPath
				cfg.Deploy.SFTP.KnownHosts = knownHosts
				if err := core.WriteConfig(cfgPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote config: %s\n", cfgPath)
			}

			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated key: %s\n%s", keyPath, pub)
			}
			th, err := gssh.OpenTrustedHosts(knownHosts)
			if err != nil {
				return err
			}

			host, _ := cmd.Flags().GetString("trust-host")
			hostKey, _ := cmd.Flags().GetString("host-key")
			if host != "" {
				if hostKey == "" {
					return errors.New("--trust-host requires --host-key")
				}
				added, err := th.Pin(host, strings.TrimSpace(hostKey))
				if err != nil {
					return err
				}
				log.Info().Str("host", host).Str("known_hosts", knownHosts).Bool("added", added).Msg("Trusted host key")
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	cmd.Flags().String("trust-host", "", "add host[:port] to known_hosts")
	cmd.Flags().String("host-key", "", "authorized-key line of the host to trust")
	return cmd
}
