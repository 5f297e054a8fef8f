package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/records"
)

// State names the position of a run in the submission flow.
type State string

const (
	StateInit            State = "init"
	StateAuthenticated   State = "authenticated"
	StateOnForm          State = "on_form"
	StateProgramSelected State = "program_selected"
	StateLineItemsFilled State = "line_items_filled"
	StateCompanyFilled   State = "company_filled"
	StateSubmitted       State = "submitted"
	StateConfirmed       State = "confirmed"
	StateFailed          State = "failed"
	StateTimeout         State = "timeout"
)

// StepOutcome is one entry in a run's step log.
type StepOutcome struct {
	Name    string    `json:"name"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunResult is the terminal record of pushing one group through the form.
type RunResult struct {
	OrderCode      string        `json:"order_code"`
	ProgramCode    string        `json:"program_code"`
	Supplier       string        `json:"supplier"`
	Company        string        `json:"company"`
	Description    string        `json:"description"`
	Total          float64       `json:"total"`
	Currency       string        `json:"currency"`
	TravelDate     string        `json:"travel_date"`
	ConfirmationID string        `json:"confirmation_id"`
	State          State         `json:"state"`
	Status         Status        `json:"status"`
	Error          string        `json:"error,omitempty"`
	Steps          []StepOutcome `json:"steps"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// QuestionFunc asks the user for a missing value and blocks (on the worker
// thread) until an answer arrives or the bounded wait elapses. The second
// return reports whether an answer was actually received.
type QuestionFunc func(question string) (string, bool)

// RunInput parameterizes one workflow run.
type RunInput struct {
	Group    records.Group
	Identity Identity

	// Company is the paying company; empty selects the portal default.
	Company string

	// AskQuestion is consulted when required data is missing from the
	// source document. Nil means never ask; gaps are just logged.
	AskQuestion QuestionFunc

	// Progress, when set, receives a short narration line per step.
	Progress func(message string)
}

// Run pushes one group through the whole submission flow. Every expected
// failure mode comes back inside the RunResult; Run itself never panics
// on portal misbehavior.
func (r *Runner) Run(ctx context.Context, in RunInput) *RunResult {
	res := &RunResult{
		OrderCode:   in.Group.OrderCode,
		ProgramCode: in.Group.ProgramCode,
		Supplier:    in.Group.Supplier,
		Company:     in.Company,
		Description: in.Group.Description(),
		Total:       in.Group.Total(),
		Currency:    in.Group.Currency,
		TravelDate:  in.Group.TravelDate(),
		State:       StateInit,
	}

	record := func(name string, step StepResult) {
		res.Steps = append(res.Steps, StepOutcome{
			Name: name, Status: step.Status, Message: step.Message, At: r.now(),
		})
		if in.Progress != nil {
			in.Progress(name + ": " + step.Message)
		}
		r.log.Info("workflow step",
			zap.String("order_code", res.OrderCode),
			zap.String("step", name),
			zap.String("status", string(step.Status)),
			zap.String("message", step.Message))
	}

	fail := func(step StepResult) *RunResult {
		res.State = StateFailed
		res.Status = StatusFailed
		res.Error = step.Message
		res.FinishedAt = r.now()
		return res
	}
	timedOut := func() *RunResult {
		res.State = StateTimeout
		res.Status = StatusTimeout
		res.Error = "group timed out: " + ctx.Err().Error()
		res.FinishedAt = r.now()
		return res
	}

	// Authenticate. A no-op when the orchestrator already logged this
	// session in under the same identity.
	auth := r.Authenticate(ctx, in.Identity)
	record("authenticate", auth)
	if !auth.OK() {
		return fail(auth)
	}
	res.State = StateAuthenticated
	if ctx.Err() != nil {
		return timedOut()
	}

	nav := r.NavigateToSubmissionForm(ctx, in.Identity)
	record("navigate_to_form", nav)
	if !nav.OK() {
		return fail(nav)
	}
	res.State = StateOnForm
	if ctx.Err() != nil {
		return timedOut()
	}

	// Resolve the program code from the catalogue when the source
	// document did not carry one. A miss is recorded and tolerated.
	if res.ProgramCode == "" {
		program, lookup := r.ResolveOrderCode(ctx, res.OrderCode)
		record("resolve_order_code", lookup)
		if lookup.Status == StatusFailed {
			return fail(lookup)
		}
		res.ProgramCode = program

		// The lookup leaves the page on the catalogue; come back.
		back := r.NavigateToSubmissionForm(ctx, in.Identity)
		if !back.OK() {
			record("navigate_to_form", back)
			return fail(back)
		}
	}
	if ctx.Err() != nil {
		return timedOut()
	}

	sel := r.SelectProgramAndOrder(ctx, res.ProgramCode, res.OrderCode,
		in.Group.TravelDate(), in.Group.TravelDateEnd())
	record("select_program_and_order", sel)
	if !sel.OK() {
		return fail(sel)
	}
	res.State = StateProgramSelected
	if ctx.Err() != nil {
		return timedOut()
	}

	// Missing supplier is the one gap worth interrupting a human for;
	// the company payment section persists it on the final record.
	if res.Supplier == "" && in.AskQuestion != nil {
		answer, answered := in.AskQuestion(
			"No supplier name was found for order " + res.OrderCode +
				". Please reply with the supplier name, or \"skip\" to leave it blank.")
		if answered && answer != "" && answer != "skip" {
			res.Supplier = answer
			record("ask_supplier", success("supplier provided: %s", answer))
		} else {
			record("ask_supplier", partial("no supplier answer, field left blank"))
		}
	}

	fill := r.FillLineItems(ctx, in.Group, in.Company)
	record("fill_line_items", fill)
	if !fill.OK() {
		return fail(fill)
	}
	res.State = StateLineItemsFilled
	if ctx.Err() != nil {
		return timedOut()
	}

	open := r.OpenCompanySection(ctx)
	record("open_company_section", open)
	if open.OK() {
		company := r.FillCompanyPayment(ctx, CompanyPayment{
			Company:  in.Company,
			Supplier: res.Supplier,
			Amount:   res.Total,
			Date:     res.TravelDate,
			Category: chargeTypeOf(in.Group),
			Remark:   BuildRemark(in.Group, in.Company),
		})
		record("fill_company_payment", company)
		if !company.OK() {
			return fail(company)
		}
		res.State = StateCompanyFilled
	} else {
		// Some portal deployments have no company section at all;
		// the submission itself is still valid without it.
		r.log.Warn("company section unavailable, submitting without it",
			zap.String("order_code", res.OrderCode))
	}
	if ctx.Err() != nil {
		return timedOut()
	}

	submit := r.Submit(ctx)
	record("submit", submit)
	if !submit.OK() {
		return fail(submit)
	}
	res.State = StateSubmitted
	if ctx.Err() != nil {
		return timedOut()
	}

	id, extract := r.ExtractConfirmationID(ctx)
	record("extract_confirmation_id", extract)
	if extract.Status == StatusFailed {
		return fail(extract)
	}
	res.ConfirmationID = id

	finalize := r.NavigateToDetailAndFinalize(ctx, in.Company, res.Supplier)
	record("finalize_detail", finalize)

	res.State = StateConfirmed
	res.Status = StatusSuccess
	res.FinishedAt = r.now()
	return res
}

func chargeTypeOf(group records.Group) string {
	for _, item := range group.Items {
		if item.ChargeType != "" {
			return item.ChargeType
		}
	}
	return ""
}
