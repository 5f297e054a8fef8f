package jobs

import (
	"fmt"
	"time"

	"github.com/web365/clawbot/pkg/records"
	"github.com/web365/clawbot/pkg/workflow"
)

// ReviewGroup is one group's cost breakdown, rendered for human review
// before any browser automation runs.
type ReviewGroup struct {
	Key         string   `json:"key"`
	OrderCode   string   `json:"order_code"`
	ProgramCode string   `json:"program_code,omitempty"`
	Supplier    string   `json:"supplier,omitempty"`
	Currency    string   `json:"currency"`
	ItemCount   int      `json:"item_count"`
	Total       float64  `json:"total"`
	Breakdown   []string `json:"breakdown"`
}

// Review is the stored first phase of a review-before-submit flow. JobID
// names the registry job that is parked awaiting confirmation; the same job
// resumes when the review is confirmed.
type Review struct {
	JobID      string            `json:"job_id"`
	SessionKey string            `json:"session_key"`
	Mode       records.GroupMode `json:"mode"`
	Groups     []ReviewGroup     `json:"groups"`
	CreatedAt  time.Time         `json:"created_at"`

	rows []map[string]any
}

// StartReview parses and groups the records and returns the per-group cost
// breakdown without touching the browser. The grouping is kept so a later
// ConfirmReview proceeds from exactly what the user saw.
func (o *Orchestrator) StartReview(rows []map[string]any, sessionKey string, mode records.GroupMode) (*Review, error) {
	items := records.FromMaps(rows)
	if len(items) == 0 {
		return nil, fmt.Errorf("no usable expense records in input")
	}
	groups := records.GroupItems(items, mode)

	job := o.registry.Create(sessionKey)
	o.registry.Update(job.ID, JobAwaitingConfirmation,
		fmt.Sprintf("Awaiting confirmation of %d groups", len(groups)))

	review := &Review{
		JobID:      job.ID,
		SessionKey: sessionKey,
		Mode:       mode,
		Groups:     make([]ReviewGroup, 0, len(groups)),
		CreatedAt:  time.Now(),
		rows:       rows,
	}
	for _, g := range groups {
		rg := ReviewGroup{
			Key:         g.Key,
			OrderCode:   g.OrderCode,
			ProgramCode: g.ProgramCode,
			Supplier:    g.Supplier,
			Currency:    g.Currency,
			ItemCount:   len(g.Items),
			Total:       g.Total(),
		}
		for _, item := range g.Items {
			rg.Breakdown = append(rg.Breakdown, item.Summary())
		}
		review.Groups = append(review.Groups, rg)
	}

	o.mu.Lock()
	o.reviews[sessionKey] = review
	o.mu.Unlock()
	return review, nil
}

// ConfirmReview resumes a stored review as a real job, optionally with
// human-supplied order-code corrections keyed by group key. Returns an
// error when no review is pending for the session.
func (o *Orchestrator) ConfirmReview(identity workflow.Identity, company string, overrides map[string]string, opts Options) (*Job, error) {
	o.mu.Lock()
	review, ok := o.reviews[identity.SessionKey]
	if ok {
		delete(o.reviews, identity.SessionKey)
	}
	o.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no pending review for session %s", identity.SessionKey)
	}

	opts.Mode = review.Mode
	opts.Company = company
	opts.Overrides = overrides

	// The job created at StartReview resumes rather than a new one, so the
	// id the client has been polling stays valid across confirmation.
	go o.execute(review.JobID, review.rows, identity, opts)
	job, _ := o.registry.Get(review.JobID)
	return job, nil
}

// PendingReview returns the stored review for a session, if any.
func (o *Orchestrator) PendingReview(sessionKey string) (*Review, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	review, ok := o.reviews[sessionKey]
	return review, ok
}
