package dispatch

import (
	"sort"
	"time"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

// Progress is a point-in-time snapshot of a job's counters.
type Progress struct {
	JobID      string          `json:"job_id"`
	Status     model.JobStatus `json:"status"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
	Total      int             `json:"total"`
	StopReason string          `json:"stop_reason,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FailedTarget is one undelivered recipient in the final report.
type FailedTarget struct {
	Address       string `json:"address"`
	LastAccountID string `json:"last_account_id,omitempty"`
	Retries       int    `json:"retries"`
}

// Report is the final summary of a finished job. Failures are grouped
// by their classified error kind.
type Report struct {
	Progress
	Attempts    int                       `json:"attempts"`
	CompletedAt time.Time                 `json:"completed_at,omitempty"`
	Failures    map[string][]FailedTarget `json:"failures,omitempty"`
}

func progressOf(job *model.Job) Progress {
	return Progress{
		JobID:      job.ID,
		Status:     job.Status,
		Sent:       job.SentCount,
		Failed:     job.FailedCount,
		Total:      job.TotalCount,
		StopReason: job.StopReason,
		StartedAt:  job.StartedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

// BuildReport assembles the final report for a job from its persisted
// state.
func BuildReport(s *store.Store, jobID string) (*Report, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	targets, err := s.ListTargets(jobID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.CountSendLog(jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Progress:    progressOf(job),
		Attempts:    attempts,
		CompletedAt: job.CompletedAt,
	}

	for _, t := range targets {
		if t.Sent || t.RetryCount == 0 {
			continue
		}
		kind := t.LastError
		if kind == "" {
			kind = "unclassified"
		}
		if report.Failures == nil {
			report.Failures = make(map[string][]FailedTarget)
		}
		report.Failures[kind] = append(report.Failures[kind], FailedTarget{
			Address:       t.Address,
			LastAccountID: t.LastAccountID,
			Retries:       t.RetryCount,
		})
	}
	for kind := range report.Failures {
		group := report.Failures[kind]
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })
	}
	return report, nil
}
