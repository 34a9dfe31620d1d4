package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/internal/deploy"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Report is the outcome of one orchestrated run.
type Report struct {
	RunID       string                 `json:"run_id"`
	Source      string                 `json:"source"`
	Summary     api.RunSummary         `json:"summary"`
	Deployments []api.DeploymentResult `json:"deployments,omitempty"`
}

// Orchestrator wires spec loading, generation, persistence and the optional
// deploy stage into one run. Store, Deploy and Observers may be nil.
type Orchestrator struct {
	Generator *Generator
	Policy    RetryPolicy
	Workers   int
	Status    *StatusBoard
	Observers Observers
	Store     *Store
	Deploy    *deploy.Stage
}

// Run loads specs from source and runs them. Only setup errors are returned;
// job and deployment failures are in the report.
func (o *Orchestrator) Run(ctx context.Context, source string) (*Report, error) {
	specs, err := LoadSpecs(source)
	if err != nil {
		return nil, err
	}
	return o.RunSpecs(ctx, source, specs)
}

// RunSpecs runs already loaded specs.
func (o *Orchestrator) RunSpecs(ctx context.Context, source string, specs []api.JobSpec) (*Report, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyInput, source)
	}
	if err := o.Generator.EnsureOutputDir(); err != nil {
		return nil, err
	}
	if o.Status == nil {
		o.Status = NewStatusBoard()
	}
	o.Status.Pending(specs)

	obs := append(Observers{o.Status}, o.Observers...)
	runner := NewJobRunner(o.Generator.Generate, o.Policy, obs)
	summary := NewScheduler(runner).RunAll(ctx, specs, o.Workers)

	rep := &Report{RunID: uuid.NewString(), Source: source, Summary: summary}
	// persist even when the run was interrupted
	saveCtx := context.WithoutCancel(ctx)
	if o.Store != nil {
		if err := o.Store.SaveRun(saveCtx, rep.RunID, source, summary); err != nil {
			log.Warn().Err(err).Str("run", rep.RunID).Msg("Failed to save run history")
		}
	}
	if o.Deploy != nil && summary.SucceededCount > 0 {
		rep.Deployments = o.Deploy.DeployAll(ctx, summary.Results)
		o.saveDeployments(saveCtx, rep.RunID, rep.Deployments)
	}
	return rep, nil
}

// DeployArtifacts runs the deploy stage over apps already present in the
// output directory.
func (o *Orchestrator) DeployArtifacts(ctx context.Context, ids []string) (*Report, error) {
	if o.Deploy == nil {
		return nil, fmt.Errorf("no deploy targets configured")
	}
	arts, err := ListArtifacts(o.Generator.OutputDir)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var results []api.JobResult
	for _, a := range arts {
		if len(want) > 0 && !want[a.ID] {
			continue
		}
		results = append(results, a.JobResult())
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no artifacts in %s", ErrEmptyInput, o.Generator.OutputDir)
	}
	rep := &Report{RunID: uuid.NewString(), Source: o.Generator.OutputDir}
	rep.Deployments = o.Deploy.DeployAll(ctx, results)
	o.saveDeployments(context.WithoutCancel(ctx), rep.RunID, rep.Deployments)
	return rep, nil
}

func (o *Orchestrator) saveDeployments(ctx context.Context, runID string, results []api.DeploymentResult) {
	if o.Store == nil || len(results) == 0 {
		return
	}
	if err := o.Store.SaveDeployments(ctx, runID, results); err != nil {
		log.Warn().Err(err).Str("run", runID).Msg("Failed to save deployments")
	}
}
