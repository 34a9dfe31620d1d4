package core

import (
	"time"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Summarize folds per-job results into a RunSummary. Result order is kept.
func Summarize(results []api.JobResult, start, end time.Time, workers int) api.RunSummary {
	s := api.RunSummary{
		Total:       len(results),
		WorkerCount: workers,
		StartedAt:   start,
		FinishedAt:  end,
		Results:     make([]api.JobResult, len(results)),
	}
	copy(s.Results, results)
	for _, r := range results {
		if r.Succeeded {
			s.SucceededCount++
		} else {
			s.FailedCount++
		}
	}
	if elapsed := end.Sub(start); elapsed > 0 {
		s.ElapsedSeconds = elapsed.Seconds()
	}
	return s
}
