package workflow

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/browser"
	"github.com/web365/clawbot/pkg/records"
)

// Candidate selectors for the portal's form controls. The markup drifts
// between deployments, so every lookup walks a fallback list.
var (
	usernameSelectors = []string{`input[name="username"]`, `input[name="email"]`, "#username", "#email"}
	passwordSelectors = []string{`input[name="password"]`, "#password"}
	loginSelectors    = []string{"#btnLogin", `button[type="submit"]`, `input[type="submit"]`, ".btn-login", ".login-btn"}

	descriptionSelectors = []string{`input[name*="description"]`, `input[name*="desc"]`, `textarea[name*="description"]`}
	amountSelectors      = []string{`input[name*="amount"]`, `input[name*="money"]`, `input[type="number"]`}
	rateSelectors        = []string{`input[name*="rate"]`, `input[name*="exchange"]`}
	remarkSelectors      = []string{`textarea[name*="remark"]`, `textarea[name*="note"]`, `input[name*="remark"]`}
	receiptSelectors     = []string{`[name="receipt_number"]`, "#receipt_number"}

	submitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`button:has-text("Save")`,
		`button:has-text("บันทึก")`,
		`.btn-primary[type="submit"]`,
		".btn-success",
	}

	companyToggleSelectors = []string{
		"#company_section_toggle",
		`a[href="#company_payment"]`,
		`button[data-target="#company_payment"]`,
		`input[name="has_company_payment"]`,
		".company-toggle",
	}

	supplierSelectors       = []string{`input[name="supplier_name"]`, `input[name*="supplier"]`, "#supplier_name"}
	companyAmountSelectors  = []string{`input[name="company_amount"]`, `input[name*="company"][name*="amount"]`}
	companyRemarkSelectors  = []string{`textarea[name="company_remark"]`, `textarea[name*="company"][name*="remark"]`}
	catalogueSearchBoxes    = []string{".dataTables_filter input", `input[type="search"]`, `input[name*="search"]`, "#search"}
	confirmationFieldScript = `(() => {
		const el = document.querySelector('input[name="charges_group_code"], input[name*="group_code"][readonly], #expense_number');
		return el ? el.value : null;
	})()`
)

var (
	confirmationRe = regexp.MustCompile(`C\d{6}-\d{6}`)
	referenceRes   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:order|expense|reference|เลขที่)[:\s]*([A-Z0-9\-]+)`),
		regexp.MustCompile(`([A-Z]\d{6}-\d{4,6})`),
	}
	detailURLRe = regexp.MustCompile(`/charges_group/(\d+)`)
	letterRunRe = regexp.MustCompile(`^[A-Z]+`)
)

// Authenticate logs the session in under the given identity. Already being
// authenticated under the same username is a no-op; switching identities
// clears the session cookies first so the portal sees a clean login.
func (r *Runner) Authenticate(ctx context.Context, identity Identity) StepResult {
	if current := r.portal.AuthenticatedAs(); current != "" {
		if current == identity.Username {
			return success("already logged in as %s", identity.Username)
		}
		r.log.Info("identity switch, clearing session auth",
			zap.String("from", current), zap.String("to", identity.Username))
		if err := r.portal.ClearAuth(); err != nil {
			return failed("could not clear previous session auth: %v", err)
		}
	}

	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	driver := r.driver(page)

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		r.log.Info("login attempt",
			zap.Int("attempt", attempt), zap.Int("max", r.maxRetries),
			zap.String("username", identity.Username))

		if err := page.Goto(ctx, r.cfg.LoginURL()); err != nil {
			r.log.Warn("login page navigation failed", zap.Error(err))
		} else {
			driver.SetText(identity.Username, usernameSelectors...)
			driver.SetText(identity.Password, passwordSelectors...)
			r.clickFirst(page, loginSelectors)
			if err := page.WaitForLoad(ctx); err != nil {
				r.log.Warn("post-login load wait failed", zap.Error(err))
			}

			url := strings.ToLower(page.URL())
			if !strings.Contains(url, "login") || strings.Contains(url, "dashboard") {
				r.portal.SetAuthenticated(identity.Username)
				r.portal.Screenshot("login_success")
				return success("logged in as %s", identity.Username)
			}
			r.log.Warn("login not accepted", zap.String("url", page.URL()))
		}

		if attempt < r.maxRetries {
			r.sleep(r.retryDelay * time.Duration(1<<(attempt-1)))
		}
	}

	r.portal.Screenshot("login_failed")
	return failed("login failed after %d attempts", r.maxRetries)
}

// NavigateToSubmissionForm loads the expense creation form. An expired
// session shows up as a silent redirect back to the login page; that is
// detected here and answered with one re-authentication and retry.
func (r *Runner) NavigateToSubmissionForm(ctx context.Context, identity Identity) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := page.Goto(ctx, r.cfg.ChargesFormURL()); err != nil {
			return failed("navigation to submission form failed: %v", err)
		}
		if err := page.WaitForLoad(ctx); err != nil {
			r.log.Warn("form load wait failed", zap.Error(err))
		}

		if !strings.Contains(strings.ToLower(page.URL()), "login") {
			title, _ := page.Title()
			r.portal.Screenshot("charges_form_loaded")
			return success("submission form loaded: %s", title)
		}

		if attempt == 0 {
			r.log.Warn("redirected to login, session expired; re-authenticating")
			r.portal.SetAuthenticated("")
			if auth := r.Authenticate(ctx, identity); !auth.OK() {
				return failed("re-authentication after session expiry failed: %s", auth.Message)
			}
		}
	}
	return failed("submission form still redirects to login after re-authentication")
}

// ResolveOrderCode looks the group's order code up in the portal's package
// catalogue to recover its program code. The search tries the full code
// first, then shrinking prefixes, since catalogue codes often carry extra
// suffix characters the source documents omit. A miss is non-fatal; the
// caller proceeds with an empty program code.
func (r *Runner) ResolveOrderCode(ctx context.Context, code string) (string, StepResult) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", partial("no order code to resolve")
	}

	page, err := r.portal.Page()
	if err != nil {
		return "", failed("browser unavailable: %v", err)
	}
	if err := page.Goto(ctx, r.cfg.CatalogueURL()); err != nil {
		return "", partial("catalogue page unavailable: %v", err)
	}
	if err := page.WaitForLoad(ctx); err != nil {
		r.log.Warn("catalogue load wait failed", zap.Error(err))
	}
	driver := r.driver(page)
	carrier := letterRunRe.FindString(code)

	for _, prefix := range searchPrefixes(code) {
		if !driver.SetText(prefix, catalogueSearchBoxes...) {
			return "", partial("catalogue search box not found")
		}
		r.sleep(time.Second) // DataTables filters as you type
		rows := browser.ScrapeTables(page, r.log)
		if len(rows) == 0 {
			continue
		}

		if row, ok := bestCatalogueRow(rows, prefix, carrier); ok {
			program := programCodeFrom(row)
			r.log.Info("order code resolved",
				zap.String("code", code), zap.String("prefix", prefix),
				zap.String("program", program))
			return program, success("resolved %s via catalogue prefix %s", code, prefix)
		}
	}

	return "", partial("order code %s not found in catalogue", code)
}

// searchPrefixes returns the full code followed by its 10, 7, and 5
// character prefixes, deduplicated and longest first.
func searchPrefixes(code string) []string {
	prefixes := []string{code}
	for _, n := range []int{10, 7, 5} {
		if len(code) > n {
			prefixes = append(prefixes, code[:n])
		}
	}
	return prefixes
}

// bestCatalogueRow ranks catalogue rows: a row whose code cell starts with
// the prefix and also embeds the carrier short-code beyond the prefix beats
// a plain prefix match, which beats any row at all. The carrier check looks
// past the prefix since every full code begins with the carrier letters.
func bestCatalogueRow(rows []map[string]string, prefix, carrier string) (map[string]string, bool) {
	var prefixOnly, any map[string]string
	for _, row := range rows {
		cell := strings.ToUpper(codeCellFrom(row))
		if cell == "" {
			continue
		}
		if any == nil {
			any = row
		}
		if !strings.HasPrefix(cell, prefix) {
			continue
		}
		if carrier != "" && strings.Contains(cell[len(prefix):], carrier) {
			return row, true
		}
		if prefixOnly == nil {
			prefixOnly = row
		}
	}
	if prefixOnly != nil {
		return prefixOnly, true
	}
	if any != nil {
		return any, true
	}
	return nil, false
}

func codeCellFrom(row map[string]string) string {
	for key, value := range row {
		lk := strings.ToLower(key)
		if strings.Contains(lk, "code") && !strings.Contains(lk, "program") {
			return value
		}
	}
	return row["col_0"]
}

func programCodeFrom(row map[string]string) string {
	for key, value := range row {
		if strings.Contains(strings.ToLower(key), "program") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// SelectProgramAndOrder sets the date-range filter, picks the program, and
// then picks the order code after the dependent order list repopulates.
func (r *Runner) SelectProgramAndOrder(ctx context.Context, program, code, dateFrom, dateTo string) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	driver := r.driver(page)
	driver.DismissOverlays()

	if dateFrom != "" {
		driver.SetDateField("program_date_from", dateFrom)
	}
	if dateTo != "" {
		driver.SetDateField("program_date_to", dateTo)
	}

	if program != "" {
		if !driver.SelectOption("program_id", program) {
			r.log.Warn("program selection skipped", zap.String("program", program))
		}
		r.waitForDependentOptions(driver, "tour_code", code)
	}

	if code != "" {
		if !driver.SelectOption("tour_code", code) {
			r.portal.Screenshot("selection_failed")
			return failed("order code selector not available for %s", code)
		}
	}

	r.portal.Screenshot("program_selected")
	return success("selected program %q, order %q", program, code)
}

// waitForDependentOptions polls the dependent select until it repopulates
// with a usable option list, since the portal reloads it asynchronously
// after the program changes.
func (r *Runner) waitForDependentOptions(driver *browser.FieldDriver, fieldName, want string) {
	for i := 0; i < 20; i++ {
		options, ok := driver.Options(fieldName)
		if ok && len(options) > 1 {
			if want == "" || browser.BestMatchingOption(options, want) >= 0 {
				return
			}
		}
		r.sleep(250 * time.Millisecond)
	}
	r.log.Warn("dependent option list did not repopulate", zap.String("field", fieldName))
}

// FillLineItems fills the single expense row representing the whole group:
// one combined description, the signed total amount, and a multi-line
// remark preserving the per-item breakdown for audit.
func (r *Runner) FillLineItems(ctx context.Context, group records.Group, company string) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	driver := r.driver(page)
	driver.DismissOverlays()

	paymentDate := group.TravelDate()
	if paymentDate == "" {
		paymentDate = r.now().Format("02/01/2006")
	}
	driver.SetDateField("payment_date", paymentDate)
	driver.SetDateField("receipt_date", paymentDate)

	driver.SetText(group.Description(), descriptionSelectors...)

	chargeType := "other"
	if len(group.Items) > 0 && group.Items[0].ChargeType != "" {
		chargeType = group.Items[0].ChargeType
	}
	driver.SelectOption("type", chargeType)

	if !driver.SetText(formatAmount(group.Total()), amountSelectors...) {
		r.portal.Screenshot("form_fill_failed")
		return failed("amount field not found after all selector fallbacks")
	}

	currency := group.Currency
	if currency == "" {
		currency = "THB"
	}
	driver.SelectOption("currency", currency)

	if rate := exchangeRateOf(group); rate != 1.0 {
		driver.SetText(formatAmount(rate), rateSelectors...)
	}

	driver.SetText(BuildRemark(group, company), remarkSelectors...)

	r.portal.Screenshot("form_filled")
	return success("line items filled: %s, %s %s", group.Description(), formatAmount(group.Total()), currency)
}

// OpenCompanySection reveals the company payment section, which the form
// hides behind an explicit toggle.
func (r *Runner) OpenCompanySection(ctx context.Context) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	if !r.clickFirst(page, companyToggleSelectors) {
		return failed("company section toggle not found")
	}
	r.sleep(500 * time.Millisecond)
	return success("company payment section opened")
}

// CompanyPayment carries the values for the company payment section.
type CompanyPayment struct {
	Company  string
	Supplier string
	Amount   float64
	Date     string
	Category string
	Remark   string
}

// FillCompanyPayment selects the paying company, then overwrites the
// supplier field. The portal auto-fills the supplier with the company's
// own name when the company dropdown changes, so the supplier write must
// come after the company select to stick.
func (r *Runner) FillCompanyPayment(ctx context.Context, p CompanyPayment) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	driver := r.driver(page)

	if p.Company != "" {
		if !driver.SelectOption("company_id", p.Company) {
			r.log.Warn("company selection skipped", zap.String("company", p.Company))
		}
		r.sleep(500 * time.Millisecond) // let the auto-fill land before overwriting it
	}

	if p.Supplier != "" {
		if !driver.SetText(p.Supplier, supplierSelectors...) {
			return failed("supplier field not found, auto-filled value would persist")
		}
	} else {
		r.log.Warn("no supplier name available, leaving field as auto-filled")
	}

	if p.Amount != 0 {
		driver.SetText(formatAmount(p.Amount), companyAmountSelectors...)
	}
	if p.Date != "" {
		driver.SetDateField("company_payment_date", p.Date)
	}
	if p.Category != "" {
		driver.SelectOption("company_type", p.Category)
	}
	if p.Remark != "" {
		driver.SetText(p.Remark, companyRemarkSelectors...)
	}

	return success("company payment filled: %s / %s", p.Company, p.Supplier)
}

// Submit clicks the save control and waits for the page to settle.
func (r *Runner) Submit(ctx context.Context) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return failed("browser unavailable: %v", err)
	}
	r.driver(page).DismissOverlays()

	if !r.clickFirst(page, submitSelectors) {
		r.portal.Screenshot("submit_failed")
		return failed("submit control not found")
	}
	if err := page.WaitForLoad(ctx); err != nil {
		r.log.Warn("post-submit load wait failed", zap.Error(err))
	}
	r.sleep(2 * time.Second)
	r.portal.Screenshot("form_submitted")
	return success("form submitted")
}

// ExtractConfirmationID reads the new record's confirmation id, trying a
// dedicated field, then page text patterns, then the page URL, then the
// success banner. Returns partial when nothing matched: the submission may
// well have gone through even though the id could not be read.
func (r *Runner) ExtractConfirmationID(ctx context.Context) (string, StepResult) {
	page, err := r.portal.Page()
	if err != nil {
		return "", failed("browser unavailable: %v", err)
	}

	if result, err := page.Evaluate(confirmationFieldScript); err == nil {
		if value, _ := result.(string); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), success("confirmation id read from field")
		}
	}

	body, err := page.InnerText("body")
	if err == nil {
		if matches := confirmationRe.FindAllString(body, -1); len(matches) > 0 {
			return matches[len(matches)-1], success("confirmation id matched in page text")
		}
		for _, re := range referenceRes {
			if matches := re.FindAllStringSubmatch(body, -1); len(matches) > 0 {
				return matches[len(matches)-1][1], success("reference number matched in page text")
			}
		}
	}

	if m := detailURLRe.FindStringSubmatch(page.URL()); m != nil {
		return m[1], success("record id read from page url")
	}

	for _, sel := range []string{".alert-success", ".alert.alert-success", ".success-message"} {
		if exists, _ := page.Exists(sel); exists {
			if text, err := page.InnerText(sel); err == nil && strings.TrimSpace(text) != "" {
				r.log.Info("success banner found without id", zap.String("banner", firstLine(text)))
				return "", partial("submitted, banner present but no confirmation id: %s", firstLine(text))
			}
		}
	}

	r.portal.Screenshot("extract_id_failed")
	return "", partial("submitted but confirmation id could not be read")
}

// NavigateToDetailAndFinalize opens the created record's detail page and
// re-applies the company and supplier values, since the creation form's
// auto-fill can overwrite them server-side. Best effort only; the record
// already exists whatever happens here.
func (r *Runner) NavigateToDetailAndFinalize(ctx context.Context, company, supplier string) StepResult {
	page, err := r.portal.Page()
	if err != nil {
		return partial("browser unavailable: %v", err)
	}

	m := detailURLRe.FindStringSubmatch(page.URL())
	if m == nil {
		return partial("no detail page url to finalize")
	}
	detailURL := strings.TrimRight(r.cfg.BaseURL, "/") + "/charges_group/" + m[1] + "/edit"
	if err := page.Goto(ctx, detailURL); err != nil {
		return partial("detail page unavailable: %v", err)
	}
	if err := page.WaitForLoad(ctx); err != nil {
		r.log.Warn("detail page load wait failed", zap.Error(err))
	}

	driver := r.driver(page)
	if company != "" {
		driver.SelectOption("company_id", company)
		r.sleep(500 * time.Millisecond)
	}
	if supplier != "" {
		driver.SetText(supplier, supplierSelectors...)
	}
	if !r.clickFirst(page, submitSelectors) {
		return partial("detail page save control not found")
	}
	if err := page.WaitForLoad(ctx); err != nil {
		r.log.Warn("detail save load wait failed", zap.Error(err))
	}
	return success("detail page finalized with company %q, supplier %q", company, supplier)
}

func (r *Runner) clickFirst(page browser.Page, selectors []string) bool {
	for _, sel := range selectors {
		exists, err := page.Exists(sel)
		if err != nil || !exists {
			continue
		}
		if err := page.Click(sel); err != nil {
			r.log.Debug("click failed, trying next selector", zap.String("selector", sel), zap.Error(err))
			continue
		}
		return true
	}
	return false
}

// BuildRemark renders the audit remark for one group: per-item breakdown,
// paying company, and the signed grand total.
func BuildRemark(group records.Group, company string) string {
	var b strings.Builder
	for _, item := range group.Items {
		b.WriteString("- ")
		b.WriteString(item.Summary())
		if item.Supplier != "" {
			b.WriteString(" [" + item.Supplier + "]")
		}
		b.WriteString("\n")
	}
	if company != "" {
		b.WriteString("Company: " + company + "\n")
	}
	currency := group.Currency
	if currency == "" {
		currency = "THB"
	}
	b.WriteString("Total: " + formatAmount(group.Total()) + " " + currency)
	return b.String()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func exchangeRateOf(group records.Group) float64 {
	for _, item := range group.Items {
		if item.ExchangeRate != 0 && item.ExchangeRate != 1.0 {
			return item.ExchangeRate
		}
	}
	return 1.0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
