package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/bridge"
	"github.com/web365/clawbot/pkg/browser"
	"github.com/web365/clawbot/pkg/config"
	"github.com/web365/clawbot/pkg/events"
	"github.com/web365/clawbot/pkg/records"
	"github.com/web365/clawbot/pkg/workflow"
)

const agentName = "Accounting Agent"

// GroupRunner is the slice of the workflow runner the orchestrator needs.
// *workflow.Runner satisfies it.
type GroupRunner interface {
	Authenticate(ctx context.Context, identity workflow.Identity) workflow.StepResult
	Run(ctx context.Context, in workflow.RunInput) *workflow.RunResult
}

// SessionSource is the slice of the browser pool the orchestrator needs.
// *browser.Pool satisfies it.
type SessionSource interface {
	Acquire(key string) (*browser.Session, error)
	Release(key string)
}

// RunnerFactory builds a workflow runner over a pooled session.
type RunnerFactory func(portal workflow.Portal) GroupRunner

// Options tunes one job submission.
type Options struct {
	// Mode selects combine-by-order-code (default) or one submission per
	// line item.
	Mode records.GroupMode

	// Company is the paying company for the company payment section.
	Company string

	// Overrides maps group keys to corrected order codes, supplied by a
	// human during review confirmation.
	Overrides map[string]string

	// Sink receives progress events. May be nil.
	Sink events.Sink
}

// Orchestrator sequences jobs: one session per job, groups strictly in
// order, results folded into the registry.
type Orchestrator struct {
	sessions  SessionSource
	bridge    *bridge.Bridge
	registry  *Registry
	questions *Questions
	jobsCfg   config.JobsConfig
	log       *zap.Logger

	newRunner RunnerFactory

	mu       sync.Mutex
	reviews  map[string]*Review
	keyLocks map[string]*sync.Mutex
}

// NewOrchestrator wires an orchestrator over a live browser pool.
func NewOrchestrator(pool SessionSource, b *bridge.Bridge, registry *Registry, questions *Questions, cfg *config.Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  pool,
		bridge:    b,
		registry:  registry,
		questions: questions,
		jobsCfg:   cfg.Jobs,
		log:       log,
		newRunner: func(portal workflow.Portal) GroupRunner {
			return workflow.NewRunner(portal, cfg.Portal, cfg.Jobs, log)
		},
		reviews:  make(map[string]*Review),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// lockKey serializes job execution per session key. The returned func
// releases the key.
func (o *Orchestrator) lockKey(key string) func() {
	o.mu.Lock()
	l, ok := o.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		o.keyLocks[key] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// StartJob creates a job and runs it asynchronously. The returned snapshot
// reflects the job at creation; poll the registry for progress.
func (o *Orchestrator) StartJob(rows []map[string]any, identity workflow.Identity, opts Options) *Job {
	job := o.registry.Create(identity.SessionKey)
	go o.execute(job.ID, rows, identity, opts)
	return job
}

// SubmitAnswer routes a chat message into an open question slot for the
// session key. Returns whether the message was consumed as an answer.
func (o *Orchestrator) SubmitAnswer(sessionKey, text string) bool {
	return o.questions.Submit(sessionKey, text)
}

// GetJob returns a snapshot of a job by id.
func (o *Orchestrator) GetJob(id string) (*Job, bool) {
	return o.registry.Get(id)
}

// ListJobs returns a summary of every job this process has run.
func (o *Orchestrator) ListJobs() []Summary {
	return o.registry.List()
}

// execute runs the whole job on behalf of StartJob. It owns the event
// queue: the worker thread enqueues, a single drainer goroutine delivers
// to the sink in order, and the terminal content event goes out only after
// the queue is fully drained.
func (o *Orchestrator) execute(jobID string, rows []map[string]any, identity workflow.Identity, opts Options) {
	start := time.Now()

	evCh := make(chan events.Event, 256)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range evCh {
			if opts.Sink != nil {
				opts.Sink(ev)
			}
		}
	}()
	var evMu sync.Mutex
	evClosed := false
	emit := func(ev events.Event) {
		evMu.Lock()
		defer evMu.Unlock()
		if evClosed {
			// Only an abandoned worker reports after the job is over.
			o.log.Debug("event after job finish discarded", zap.String("type", string(ev.Type)))
			return
		}
		// Blocking send: the drainer keeps the queue moving, and a slow
		// sink back-pressures the job instead of losing events.
		evCh <- ev
	}
	finish := func(content string, data map[string]any) {
		evMu.Lock()
		evClosed = true
		close(evCh)
		evMu.Unlock()
		<-drained
		if opts.Sink != nil {
			opts.Sink(events.NewContentEvent(content, data))
		}
	}

	emit(events.NewStatusEvent(agentName, "working", "Processing your expense records..."))

	o.registry.Update(jobID, JobParsing, "Normalizing records")
	items := records.FromMaps(rows)
	if len(items) == 0 {
		o.registry.Update(jobID, JobFailed, "no usable expense records in input")
		emit(events.NewStatusEvent(agentName, "error", "No usable records"))
		finish("Could not extract any usable expense records from the input.", nil)
		return
	}

	groups := records.GroupItems(items, opts.Mode)
	applyOverrides(groups, opts.Overrides)
	emit(events.NewProgressEvent(agentName,
		fmt.Sprintf("Grouped %d line items into %d submissions", len(items), len(groups)),
		time.Since(start)))

	// Jobs sharing a session key run one at a time, so two submissions
	// can never drive the same browser concurrently.
	unlock := o.lockKey(identity.SessionKey)
	defer unlock()

	// One session for the whole job, protected from eviction until every
	// group is done.
	o.registry.Update(jobID, JobLoggingIn, "Logging in to the portal")
	emit(events.NewProgressEvent(agentName, "Logging in to the portal...", time.Since(start)))

	session, err := o.sessions.Acquire(identity.SessionKey)
	if err != nil {
		o.registry.Update(jobID, JobFailed, "browser session unavailable: "+err.Error())
		emit(events.NewStatusEvent(agentName, "error", "Browser session unavailable"))
		finish("Could not start a browser session: "+err.Error(), nil)
		return
	}
	defer o.sessions.Release(identity.SessionKey)
	runner := o.newRunner(session)

	// Authentication failure before any group starts is fatal to the job.
	var auth workflow.StepResult
	authErr := o.bridge.Run(context.Background(), func() error {
		session.LockRun()
		defer session.UnlockRun()
		auth = runner.Authenticate(context.Background(), identity)
		return nil
	})
	if authErr != nil || !auth.OK() {
		msg := auth.Message
		if authErr != nil {
			msg = authErr.Error()
		}
		o.registry.Update(jobID, JobFailed, "login failed: "+msg)
		emit(events.NewStatusEvent(agentName, "error", "Login failed"))
		finish("Login failed: "+msg, nil)
		return
	}

	o.registry.Update(jobID, JobProcessing, fmt.Sprintf("Processing %d groups", len(groups)))

	results := make([]*workflow.RunResult, 0, len(groups))
	for i, group := range groups {
		emit(events.NewProgressEvent(agentName,
			fmt.Sprintf("Processing group %d/%d: %s", i+1, len(groups), group.OrderCode),
			time.Since(start)))

		results = append(results, o.runGroup(session, runner, group, identity, opts, emit, start))

		last := results[len(results)-1]
		o.registry.Update(jobID, JobProcessing,
			fmt.Sprintf("Group %d/%d (%s): %s", i+1, len(groups), group.OrderCode, last.Status))
		emit(events.NewProgressEvent(agentName, groupNarration(i+1, last), time.Since(start)))
	}

	exportPath, err := ExportCSV(o.jobsCfg.DataDir, jobID, results)
	if err != nil {
		o.log.Warn("csv export failed", zap.String("job_id", jobID), zap.Error(err))
		exportPath = ""
	}
	if _, err := ExportXLSX(o.jobsCfg.DataDir, jobID, results); err != nil {
		o.log.Warn("xlsx export failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := SaveResultsJSON(o.jobsCfg.DataDir, jobID, results); err != nil {
		o.log.Warn("result persistence failed", zap.String("job_id", jobID), zap.Error(err))
	}

	o.registry.SetResults(jobID, results, exportPath)
	o.registry.Update(jobID, JobCompleted, fmt.Sprintf("Processed %d groups", len(groups)))

	job, _ := o.registry.Get(jobID)
	emit(events.NewStatusEvent(agentName, "done",
		fmt.Sprintf("Done: %d OK, %d failed, %d timed out",
			job.SuccessCount, job.FailCount, job.TimeoutCount)))
	finish(BuildSummary(job), map[string]any{
		"job_id":        jobID,
		"results":       results,
		"success_count": job.SuccessCount,
		"fail_count":    job.FailCount,
		"timeout_count": job.TimeoutCount,
		"export_path":   exportPath,
	})
}

// runGroup runs one group on a worker thread under the per-group timeout.
// A timeout abandons the worker and synthesizes a timeout result so the
// job can move on to the next group; the session run lock keeps the next
// group off the browser until the abandoned worker lets go.
func (o *Orchestrator) runGroup(session *browser.Session, runner GroupRunner, group records.Group, identity workflow.Identity, opts Options, emit func(events.Event), start time.Time) *workflow.RunResult {
	timeout := o.jobsCfg.GroupTimeout(len(group.Items))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var res *workflow.RunResult
	err := o.bridge.RunWithProgress(ctx, func(report bridge.Report) error {
		session.LockRun()
		defer session.UnlockRun()
		res = runner.Run(ctx, workflow.RunInput{
			Group:    group,
			Identity: identity,
			Company:  opts.Company,
			AskQuestion: func(question string) (string, bool) {
				emit(events.NewQuestionEvent(agentName, question))
				return o.questions.Ask(identity.SessionKey, question)
			},
			// Narration crosses the worker boundary through the bridge
			// queue so ordering survives the thread hop.
			Progress: report,
		})
		return nil
	}, func(message string) {
		emit(events.NewProgressEvent(agentName, message, time.Since(start)))
	})

	if err != nil || res == nil {
		return &workflow.RunResult{
			OrderCode:   group.OrderCode,
			ProgramCode: group.ProgramCode,
			Supplier:    group.Supplier,
			Description: group.Description(),
			Total:       group.Total(),
			Currency:    group.Currency,
			TravelDate:  group.TravelDate(),
			State:       workflow.StateTimeout,
			Status:      workflow.StatusTimeout,
			Error:       fmt.Sprintf("group exceeded its %s allowance", timeout),
			FinishedAt:  time.Now(),
		}
	}
	return res
}

func applyOverrides(groups []records.Group, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	for i := range groups {
		if code, ok := overrides[groups[i].Key]; ok && code != "" {
			groups[i].OrderCode = code
		}
	}
}

func groupNarration(n int, res *workflow.RunResult) string {
	switch res.Status {
	case workflow.StatusSuccess:
		id := res.ConfirmationID
		if id == "" {
			id = "N/A"
		}
		return fmt.Sprintf("Group %d submitted. Confirmation: %s", n, id)
	case workflow.StatusTimeout:
		return fmt.Sprintf("Group %d timed out: %s", n, res.Error)
	default:
		return fmt.Sprintf("Group %d failed: %s", n, res.Error)
	}
}
