package jobs

import (
	"fmt"
	"strings"

	"github.com/web365/clawbot/pkg/workflow"
)

// BuildSummary renders a job's final markdown report. The report always
// enumerates every group's outcome; a partially-successful batch is never
// collapsed into a single overall verdict.
func BuildSummary(job *Job) string {
	var b strings.Builder
	b.WriteString("## Expense Processing Complete\n\n")
	fmt.Fprintf(&b, "**Job ID:** `%s`\n", job.ID)
	fmt.Fprintf(&b, "**Total groups:** %d\n", len(job.Results))
	fmt.Fprintf(&b, "**Successful:** %d\n", job.SuccessCount)
	fmt.Fprintf(&b, "**Failed:** %d\n", job.FailCount)
	fmt.Fprintf(&b, "**Timed out:** %d\n\n", job.TimeoutCount)

	if job.SuccessCount > 0 {
		b.WriteString("### Successful Submissions\n")
		b.WriteString("| Order Code | Program | Amount | Confirmation |\n")
		b.WriteString("|------------|---------|--------|---------------|\n")
		for _, res := range job.Results {
			if res.Status != workflow.StatusSuccess {
				continue
			}
			id := res.ConfirmationID
			if id == "" {
				id = "N/A"
			}
			fmt.Fprintf(&b, "| `%s` | %s | %.2f %s | `%s` |\n",
				res.OrderCode, res.ProgramCode, res.Total, res.Currency, id)
		}
		b.WriteString("\n")
	}

	if job.FailCount > 0 || job.TimeoutCount > 0 {
		b.WriteString("### Unsuccessful Groups\n")
		for _, res := range job.Results {
			if res.Status == workflow.StatusSuccess {
				continue
			}
			fmt.Fprintf(&b, "- `%s` (%s): %s\n", res.OrderCode, res.Status, res.Error)
		}
	}

	if job.ExportPath != "" {
		fmt.Fprintf(&b, "\nResults exported to `%s`.\n", job.ExportPath)
	}
	return b.String()
}

// BuildReviewSummary renders the review-phase cost breakdown for human
// confirmation before any automation runs.
func BuildReviewSummary(review *Review) string {
	var b strings.Builder
	b.WriteString("## Review Before Submission\n\n")
	fmt.Fprintf(&b, "**Groups to submit:** %d\n\n", len(review.Groups))

	for i, g := range review.Groups {
		fmt.Fprintf(&b, "### %d. `%s`\n", i+1, g.OrderCode)
		if g.ProgramCode != "" {
			fmt.Fprintf(&b, "Program: %s\n", g.ProgramCode)
		}
		if g.Supplier != "" {
			fmt.Fprintf(&b, "Supplier: %s\n", g.Supplier)
		}
		for _, line := range g.Breakdown {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		fmt.Fprintf(&b, "**Total: %.2f %s**\n\n", g.Total, g.Currency)
	}

	b.WriteString("Reply with confirmation to submit, or correct any order code first.\n")
	return b.String()
}
