// Package jobs orchestrates expense submission jobs: it groups parsed
// records, sequences workflow runs over pooled browser sessions, tracks
// job progress in an in-memory registry, and routes mid-workflow questions
// between the worker thread and the chat transport.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/workflow"
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobStarted              JobStatus = "started"
	JobParsing              JobStatus = "parsing"
	JobLoggingIn            JobStatus = "logging_in"
	JobProcessing           JobStatus = "processing"
	JobAwaitingConfirmation JobStatus = "awaiting_confirmation"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Step is one append-only entry in a job's progress log.
type Step struct {
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job tracks one user-initiated batch across all of its groups. Jobs live
// for the life of the process; the transport polls them by id.
type Job struct {
	ID           string                `json:"id"`
	SessionKey   string                `json:"session_key"`
	Status       JobStatus             `json:"status"`
	StartedAt    time.Time             `json:"started_at"`
	Steps        []Step                `json:"steps"`
	Results      []*workflow.RunResult `json:"results,omitempty"`
	SuccessCount int                   `json:"success_count"`
	FailCount    int                   `json:"fail_count"`
	TimeoutCount int                   `json:"timeout_count"`
	ExportPath   string                `json:"export_path,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Registry is the in-memory job table. Step logs are append-only and a
// terminal status is written at most once.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	log  *zap.Logger
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		log:  log,
		now:  time.Now,
	}
}

// Create registers a new job and returns a snapshot of it.
func (r *Registry) Create(sessionKey string) *Job {
	job := &Job{
		ID:         uuid.NewString()[:8],
		SessionKey: sessionKey,
		Status:     JobStarted,
		StartedAt:  r.now(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.log.Info("job created", zap.String("job_id", job.ID), zap.String("session_key", sessionKey))
	return snapshot(job)
}

// Get returns a snapshot of the job, or false if the id is unknown.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return snapshot(job), true
}

// Update appends a step and moves the job's status. Updates against a job
// already in a terminal status are refused and logged, never applied.
func (r *Registry) Update(id string, status JobStatus, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		r.log.Warn("update for unknown job", zap.String("job_id", id))
		return
	}
	if job.Status.IsTerminal() {
		r.log.Warn("update refused, job already terminal",
			zap.String("job_id", id),
			zap.String("current", string(job.Status)),
			zap.String("attempted", string(status)))
		return
	}

	job.Status = status
	if status == JobFailed {
		job.Error = message
	}
	job.Steps = append(job.Steps, Step{Status: status, Message: message, Timestamp: r.now()})
}

// SetResults attaches the per-group results and export path to a job.
func (r *Registry) SetResults(id string, results []*workflow.RunResult, exportPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Results = results
	job.ExportPath = exportPath
	job.SuccessCount, job.FailCount, job.TimeoutCount = 0, 0, 0
	for _, res := range results {
		switch res.Status {
		case workflow.StatusSuccess:
			job.SuccessCount++
		case workflow.StatusTimeout:
			job.TimeoutCount++
		default:
			job.FailCount++
		}
	}
}

// Summary is the lightweight per-job view used by job listings.
type Summary struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// List returns a summary of every registered job, newest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, Summary{ID: job.ID, Status: job.Status, StartedAt: job.StartedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func snapshot(job *Job) *Job {
	copied := *job
	copied.Steps = append([]Step(nil), job.Steps...)
	copied.Results = append([]*workflow.RunResult(nil), job.Results...)
	return &copied
}
