package api

import "time"

// v0 contains the public records produced by a run.

// JobSpec is one requested application. ID is derived from Name and is unique
// within a run; the remaining fields are forwarded to the generation backend.
type JobSpec struct {
	ID                     string `json:"id" yaml:"id" db:"id"`
	Name                   string `json:"name" yaml:"name"`
	Description            string `json:"description" yaml:"description"`
	AppGoal                string `json:"app_goal" yaml:"app_goal"`
	TargetUser             string `json:"target_user" yaml:"target_user"`
	MainProblem            string `json:"main_problem" yaml:"main_problem"`
	DesignPreferences      string `json:"design_preferences" yaml:"design_preferences"`
	AdditionalRequirements string `json:"additional_requirements,omitempty" yaml:"additional_requirements"`
	TechStack              string `json:"tech_stack,omitempty" yaml:"tech_stack"`
	ComplexityLevel        string `json:"complexity_level,omitempty" yaml:"complexity_level"`
}

// JobResult is the outcome of running one JobSpec. A succeeded result has an
// artifact location and no error; a failed one always carries an error.
type JobResult struct {
	JobID            string    `json:"job_id" db:"job_id"`
	Succeeded        bool      `json:"succeeded" db:"succeeded"`
	AttemptCount     int       `json:"attempt_count" db:"attempt_count"`
	Error            string    `json:"error,omitempty" db:"error"`
	ArtifactLocation string    `json:"artifact_location,omitempty" db:"artifact_location"`
	Files            []string  `json:"files,omitempty" db:"-"`
	CompletedAt      time.Time `json:"completed_at" db:"completed_at"`
}

// RunSummary aggregates every JobResult of one run. Results are kept in
// completion order.
type RunSummary struct {
	Total          int         `json:"total"`
	SucceededCount int         `json:"succeeded_count"`
	FailedCount    int         `json:"failed_count"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	WorkerCount    int         `json:"worker_count"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	Results        []JobResult `json:"results"`
}

// Succeeded returns the successful results in completion order.
func (s RunSummary) Succeeded() []JobResult {
	var out []JobResult
	for _, r := range s.Results {
		if r.Succeeded {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the failed results in completion order.
func (s RunSummary) Failed() []JobResult {
	var out []JobResult
	for _, r := range s.Results {
		if !r.Succeeded {
			out = append(out, r)
		}
	}
	return out
}

// DeploymentResult is the outcome of publishing one generated artifact to one
// target.
type DeploymentResult struct {
	JobID    string    `json:"job_id" db:"job_id"`
	Target   string    `json:"target" db:"target"`
	Deployed bool      `json:"deployed" db:"deployed"`
	URL      string    `json:"url,omitempty" db:"url"`
	Error    string    `json:"error,omitempty" db:"error"`
	At       time.Time `json:"at" db:"deployed_at"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunRetrying  RunStatus = "retrying"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// JobStatus is the observable state of one job during a run.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	State     RunStatus `json:"state"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
