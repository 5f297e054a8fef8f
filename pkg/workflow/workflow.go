// Package workflow drives the multi-step expense submission flow against
// the remote portal: authenticate, navigate to the creation form, resolve
// and select the program and order, fill the line items and company
// payment section, submit, and read back the confirmation id.
//
// Every step returns a structured StepResult instead of an error; the
// remote UI is fragile and most failures are expected, recoverable
// conditions rather than bugs.
package workflow

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/browser"
	"github.com/web365/clawbot/pkg/config"
)

// Status classifies a step outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"

	// StatusTimeout is a terminal run status only, never a step status.
	StatusTimeout Status = "timeout"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Status == StatusSuccess }

func success(format string, args ...any) StepResult {
	return StepResult{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) StepResult {
	return StepResult{Status: StatusFailed, Message: fmt.Sprintf(format, args...)}
}

func partial(format string, args ...any) StepResult {
	return StepResult{Status: StatusPartial, Message: fmt.Sprintf(format, args...)}
}

// Identity is the login identity a job runs under.
type Identity struct {
	SessionKey string
	Username   string
	Password   string
}

// Portal is the slice of a pooled browser session the workflow needs.
// *browser.Session satisfies it.
type Portal interface {
	Key() string
	Page() (browser.Page, error)
	AuthenticatedAs() string
	SetAuthenticated(username string)
	ClearAuth() error
	Screenshot(name string) string
}

// Runner executes workflow steps against one portal session. A Runner is
// not safe for concurrent use; the orchestrator runs groups sequentially.
type Runner struct {
	portal Portal
	cfg    config.PortalConfig

	maxRetries int
	retryDelay time.Duration

	log *zap.Logger

	// sleep is swapped out in tests so retry backoff does not stall them.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewRunner creates a runner bound to one portal session.
func NewRunner(portal Portal, portalCfg config.PortalConfig, jobsCfg config.JobsConfig, log *zap.Logger) *Runner {
	retries := jobsCfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	delay := jobsCfg.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Runner{
		portal:     portal,
		cfg:        portalCfg,
		maxRetries: retries,
		retryDelay: delay,
		log:        log,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

func (r *Runner) driver(page browser.Page) *browser.FieldDriver {
	return browser.NewFieldDriver(page, r.log)
}
