package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/sse"
)

// JobStatus is the lifecycle state of an asynchronous analysis.
type JobStatus string

// Job states. A job moves queued → running → complete or failed.
const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool { return s == JobComplete || s == JobFailed }

// SSE event types published on a job's topic.
const (
	EventProgress = "progress"
	EventResult   = "result"
	EventError    = "error"
)

// Job is an asynchronous analysis.
type Job struct {
	ID         string       `json:"id"`
	Status     JobStatus    `json:"status"`
	Progress   int          `json:"progress"`
	Step       string       `json:"step,omitempty"`
	Input      Input        `json:"input"`
	Result     *db.Analysis `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

type progressEvent struct {
	Progress int    `json:"progress"`
	Step     string `json:"step"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// Submit validates in and queues it for background analysis.
func (s *Service) Submit(ctx context.Context, in Input) (*Job, error) {
	req, err := validate(in)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &Job{ID: s.newID(), Status: JobQueued, Input: req.in, CreatedAt: now, UpdatedAt: now}
	// Text bodies can be large; jobs only echo the metadata.
	job.Input.Text = ""

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	snapshot := *job
	s.jobsMu.Unlock()

	err = s.jobTasks.Submit("job", func(ctx context.Context) error {
		s.runJob(ctx, job.ID, req)
		return nil
	})
	if err != nil {
		s.jobsMu.Lock()
		delete(s.jobs, job.ID)
		s.jobsMu.Unlock()
		return nil, err
	}
	s.logger.Info("analysis job queued", "job_id", job.ID)
	return &snapshot, nil
}

func (s *Service) runJob(ctx context.Context, id string, req request) {
	s.updateJob(id, func(j *Job) { j.Status = JobRunning })

	progress := func(percent int, step string) {
		s.updateJob(id, func(j *Job) {
			j.Progress = percent
			j.Step = step
		})
		s.publish(id, EventProgress, progressEvent{Progress: percent, Step: step})
	}

	an, err := s.analyze(ctx, req, progress)
	finished := s.now().UTC()
	if err != nil {
		s.updateJob(id, func(j *Job) {
			j.Status = JobFailed
			j.Error = err.Error()
			j.FinishedAt = &finished
		})
		s.publish(id, EventError, errorEvent{Error: err.Error()})
		s.logger.Warn("analysis job failed", "job_id", id, "err", err)
		return
	}
	s.updateJob(id, func(j *Job) {
		j.Status = JobComplete
		j.Progress = 100
		j.Result = an
		j.FinishedAt = &finished
	})
	s.publish(id, EventResult, an)
}

func (s *Service) updateJob(id string, fn func(*Job)) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = s.now().UTC()
	}
}

func (s *Service) publish(id, eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("job event marshal failed", "job_id", id, "err", err)
		return
	}
	s.hub.Publish(id, sse.Event{Type: eventType, Data: data})
}

// Job returns a copy of job id.
func (s *Service) Job(id string) (*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// JobEvents subscribes to job id's events. The returned job is read after
// subscribing, so a caller that sees it unfinished will receive its final event.
// cancel must be called when the caller stops reading.
func (s *Service) JobEvents(id string) (*Job, <-chan sse.Event, func(), error) {
	if _, err := s.Job(id); err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(id)
	job, err := s.Job(id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return job, ch, cancel, nil
}

// AnalysisEvents subscribes to every stored analysis.
func (s *Service) AnalysisEvents() (<-chan sse.Event, func()) {
	return s.hub.Subscribe(sse.TopicAnalyses)
}

// SweepJobs drops jobs that finished more than JobTTL ago and returns how
// many were removed.
func (s *Service) SweepJobs() int {
	cutoff := s.now().Add(-s.opts.JobTTL)
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// RunJobSweeper sweeps finished jobs every interval until ctx is cancelled.
func (s *Service) RunJobSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepJobs(); n > 0 {
				s.logger.Debug("swept finished jobs", "count", n)
			}
		}
	}
}
