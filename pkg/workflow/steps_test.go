package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/browser"
	"github.com/web365/clawbot/pkg/browser/browsertest"
	"github.com/web365/clawbot/pkg/config"
)

const testBaseURL = "https://portal.test"

type fakePortal struct {
	page        *browsertest.FakePage
	pageErr     error
	authed      string
	clearCalls  int
	screenshots []string
}

func (p *fakePortal) Key() string { return "sess-1" }

func (p *fakePortal) Page() (browser.Page, error) { return p.page, p.pageErr }

func (p *fakePortal) AuthenticatedAs() string { return p.authed }

func (p *fakePortal) SetAuthenticated(username string) { p.authed = username }

func (p *fakePortal) ClearAuth() error {
	p.clearCalls++
	p.authed = ""
	return nil
}

func (p *fakePortal) Screenshot(name string) string {
	p.screenshots = append(p.screenshots, name)
	return name
}

func testIdentity() Identity {
	return Identity{SessionKey: "sess-1", Username: "noi", Password: "secret"}
}

func newTestRunner(portal *fakePortal) *Runner {
	portalCfg := config.PortalConfig{
		BaseURL:       testBaseURL,
		LoginPath:     "/member/login",
		ChargesPath:   "/charges_group/create",
		CataloguePath: "/travelpackage",
	}
	jobsCfg := config.JobsConfig{MaxRetries: 2, RetryDelay: time.Millisecond}
	r := NewRunner(portal, portalCfg, jobsCfg, zap.NewNop())
	r.sleep = func(time.Duration) {}
	return r
}

// happyPortal wires a fake page on which the whole submission flow works.
func happyPortal() *fakePortal {
	page := browsertest.NewFakePage()

	page.Exist[`input[name="username"]`] = true
	page.Exist[`input[name="password"]`] = true
	page.Exist["#btnLogin"] = true
	page.Exist[`input[name*="description"]`] = true
	page.Exist[`input[name*="amount"]`] = true
	page.Exist[`textarea[name*="remark"]`] = true
	page.Exist["#company_section_toggle"] = true
	page.Exist[`input[name="supplier_name"]`] = true
	page.Exist[`button[type="submit"]`] = true

	page.Selects["program_id"] = &browsertest.SelectState{
		Options: []browser.OptionItem{
			{Text: "Select", Value: ""},
			{Text: "PKG-PORTUGAL Lisbon Classic", Value: "7"},
		},
	}
	page.Selects["tour_code"] = &browsertest.SelectState{
		Options: []browser.OptionItem{
			{Text: "Select", Value: ""},
			{Text: "TG8POR7DMU", Value: "55"},
		},
	}
	page.Selects["type"] = &browsertest.SelectState{
		Options: []browser.OptionItem{
			{Text: "Flight", Value: "flight"},
			{Text: "Other", Value: "other"},
		},
	}
	page.Selects["currency"] = &browsertest.SelectState{
		Options: []browser.OptionItem{
			{Text: "THB", Value: "THB"},
			{Text: "USD", Value: "USD"},
		},
	}
	page.Selects["company_id"] = &browsertest.SelectState{
		Options: []browser.OptionItem{
			{Text: "Select", Value: ""},
			{Text: "Web365 Co., Ltd.", Value: "1"},
		},
	}

	page.BodyText = "Record saved. Reference C202601-000123"
	page.ClickFunc = func(selector string) error {
		switch selector {
		case "#btnLogin":
			page.CurrentURL = testBaseURL + "/dashboard"
		case `button[type="submit"]`:
			page.CurrentURL = testBaseURL + "/charges_group/123"
		}
		return nil
	}

	return &fakePortal{page: page}
}

func TestAuthenticateNoOpSameIdentity(t *testing.T) {
	portal := happyPortal()
	portal.authed = "noi"
	r := newTestRunner(portal)

	res := r.Authenticate(context.Background(), testIdentity())
	require.True(t, res.OK())
	assert.Empty(t, portal.page.Navigations, "no navigation for an already-authenticated identity")
}

func TestAuthenticateClearsOnIdentitySwitch(t *testing.T) {
	portal := happyPortal()
	portal.authed = "somebody_else"
	r := newTestRunner(portal)

	res := r.Authenticate(context.Background(), testIdentity())
	require.True(t, res.OK())
	assert.Equal(t, 1, portal.clearCalls)
	assert.Equal(t, "noi", portal.authed)
	assert.Equal(t, "secret", portal.page.Filled[`input[name="password"]`])
}

func TestAuthenticateExhaustsRetries(t *testing.T) {
	portal := happyPortal()
	portal.page.ClickFunc = nil // URL stays on the login page
	r := newTestRunner(portal)

	res := r.Authenticate(context.Background(), testIdentity())
	require.Equal(t, StatusFailed, res.Status)
	assert.Len(t, portal.page.Navigations, 2)
	assert.Contains(t, portal.screenshots, "login_failed")
	assert.Empty(t, portal.authed)
}

func TestNavigateToSubmissionForm(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)

	res := r.NavigateToSubmissionForm(context.Background(), testIdentity())
	require.True(t, res.OK())
	assert.Equal(t, testBaseURL+"/charges_group/create", portal.page.CurrentURL)
	assert.Contains(t, portal.screenshots, "charges_form_loaded")
}

func TestNavigateToSubmissionFormReauthenticatesOnRedirect(t *testing.T) {
	portal := happyPortal()
	portal.authed = "noi"
	page := portal.page

	chargesVisits := 0
	page.GotoFunc = func(url string) error {
		if strings.Contains(url, "/charges_group/create") {
			chargesVisits++
			if chargesVisits == 1 {
				// Expired session: the portal bounces to login.
				page.CurrentURL = testBaseURL + "/member/login"
				return nil
			}
		}
		page.CurrentURL = url
		return nil
	}
	r := newTestRunner(portal)

	res := r.NavigateToSubmissionForm(context.Background(), testIdentity())
	require.True(t, res.OK())
	assert.Equal(t, 2, chargesVisits)
	assert.Equal(t, "noi", portal.authed, "re-authenticated after the redirect")
}

// catalogueEvaluate emulates the catalogue page: the search box filters
// which table rows the scraper sees. Everything else falls through to the
// fake page's built-in script handling.
func catalogueEvaluate(page *browsertest.FakePage, allRows []map[string]string) func(string) (any, error) {
	return func(script string) (any, error) {
		if strings.Contains(script, "tbody tr") {
			query := page.Filled[".dataTables_filter input"]
			var rows []map[string]string
			for _, row := range allRows {
				if strings.HasPrefix(row["Code"], query) {
					rows = append(rows, row)
				}
			}
			raw, err := json.Marshal(rows)
			return string(raw), err
		}
		return page.DefaultEvaluate(script)
	}
}

func TestResolveOrderCodeFullMatch(t *testing.T) {
	portal := happyPortal()
	portal.page.Exist[".dataTables_filter input"] = true
	portal.page.EvaluateFunc = catalogueEvaluate(portal.page, []map[string]string{
		{"Code": "TG8POR7DMU", "Program": "PKG-PORTUGAL"},
	})
	r := newTestRunner(portal)

	program, res := r.ResolveOrderCode(context.Background(), "tg8por7dmu")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "PKG-PORTUGAL", program)
}

func TestResolveOrderCodeShrinksPrefix(t *testing.T) {
	portal := happyPortal()
	portal.page.Exist[".dataTables_filter input"] = true
	portal.page.EvaluateFunc = catalogueEvaluate(portal.page, []map[string]string{
		{"Code": "TG8POR7DMXX", "Program": "PKG-PORTUGAL"},
	})
	r := newTestRunner(portal)

	// Full code and its 10-char prefix miss; the 7-char prefix hits.
	program, res := r.ResolveOrderCode(context.Background(), "TG8POR7DMU99")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "PKG-PORTUGAL", program)
	assert.Contains(t, res.Message, "TG8POR7")
}

func TestResolveOrderCodePrefersCarrierMatch(t *testing.T) {
	portal := happyPortal()
	portal.page.Exist[".dataTables_filter input"] = true
	portal.page.EvaluateFunc = catalogueEvaluate(portal.page, []map[string]string{
		{"Code": "TG8POR7DM-QR", "Program": "PKG-OTHER"},
		{"Code": "TG8POR7DM-TG", "Program": "PKG-CARRIER"},
	})
	r := newTestRunner(portal)

	program, res := r.ResolveOrderCode(context.Background(), "TG8POR7DM")
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "PKG-CARRIER", program, "row embedding the carrier code wins")
}

func TestResolveOrderCodeMissIsNonFatal(t *testing.T) {
	portal := happyPortal()
	portal.page.Exist[".dataTables_filter input"] = true
	portal.page.EvaluateFunc = catalogueEvaluate(portal.page, nil)
	r := newTestRunner(portal)

	program, res := r.ResolveOrderCode(context.Background(), "ZZ9NOPE")
	assert.Equal(t, StatusPartial, res.Status)
	assert.Empty(t, program)
}

func TestSelectProgramAndOrder(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)

	res := r.SelectProgramAndOrder(context.Background(),
		"PKG-PORTUGAL", "TG8POR7DMU", "01/03/2026", "08/03/2026")
	require.True(t, res.OK())
	assert.Equal(t, "7", portal.page.Selects["program_id"].Selected)
	assert.Equal(t, "55", portal.page.Selects["tour_code"].Selected)
	assert.Equal(t, "01/03/2026", portal.page.DateFields["program_date_from"])
	assert.Equal(t, "08/03/2026", portal.page.DateFields["program_date_to"])
}

func TestSelectProgramAndOrderMissingOrderSelect(t *testing.T) {
	portal := happyPortal()
	delete(portal.page.Selects, "tour_code")
	r := newTestRunner(portal)

	res := r.SelectProgramAndOrder(context.Background(), "", "TG8POR7DMU", "", "")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestFillLineItems(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)
	group := sampleGroup()

	res := r.FillLineItems(context.Background(), group, "Web365 Co., Ltd.")
	require.True(t, res.OK())
	assert.Equal(t, "90.00", portal.page.Filled[`input[name*="amount"]`])
	assert.Equal(t, "THB", portal.page.Selects["currency"].Selected)
	assert.Equal(t, "15/03/2026", portal.page.DateFields["payment_date"])

	remark := portal.page.Filled[`textarea[name*="remark"]`]
	assert.Contains(t, remark, "Company: Web365 Co., Ltd.")
	assert.Contains(t, remark, "Total: 90.00 THB")
	assert.Contains(t, remark, "flight")
	assert.Contains(t, remark, "commission")
}

func TestFillLineItemsAmountFieldRequired(t *testing.T) {
	portal := happyPortal()
	delete(portal.page.Exist, `input[name*="amount"]`)
	r := newTestRunner(portal)

	res := r.FillLineItems(context.Background(), sampleGroup(), "")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestFillCompanyPaymentOverwritesSupplier(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)

	res := r.FillCompanyPayment(context.Background(), CompanyPayment{
		Company:  "Web365",
		Supplier: "Quality Tours Co.",
		Amount:   90,
		Date:     "15/03/2026",
	})
	require.True(t, res.OK())
	assert.Equal(t, "1", portal.page.Selects["company_id"].Selected)
	assert.Equal(t, "Quality Tours Co.", portal.page.Filled[`input[name="supplier_name"]`])
}

func TestFillCompanyPaymentSupplierFieldRequired(t *testing.T) {
	portal := happyPortal()
	delete(portal.page.Exist, `input[name="supplier_name"]`)
	r := newTestRunner(portal)

	res := r.FillCompanyPayment(context.Background(), CompanyPayment{
		Company: "Web365", Supplier: "Quality Tours Co.",
	})
	assert.Equal(t, StatusFailed, res.Status)
}

func TestSubmit(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)

	res := r.Submit(context.Background())
	require.True(t, res.OK())
	assert.Contains(t, portal.page.Clicked, `button[type="submit"]`)
	assert.Contains(t, portal.screenshots, "form_submitted")
}

func TestSubmitControlMissing(t *testing.T) {
	portal := happyPortal()
	delete(portal.page.Exist, `button[type="submit"]`)
	r := newTestRunner(portal)

	res := r.Submit(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
}

func TestExtractConfirmationIDFromText(t *testing.T) {
	portal := happyPortal()
	r := newTestRunner(portal)

	id, res := r.ExtractConfirmationID(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "C202601-000123", id)
}

func TestExtractConfirmationIDFromURL(t *testing.T) {
	portal := happyPortal()
	portal.page.BodyText = "Saved."
	portal.page.CurrentURL = testBaseURL + "/charges_group/456"
	r := newTestRunner(portal)

	id, res := r.ExtractConfirmationID(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "456", id)
}

func TestExtractConfirmationIDBannerOnly(t *testing.T) {
	portal := happyPortal()
	portal.page.BodyText = "Saved."
	portal.page.CurrentURL = testBaseURL + "/somewhere"
	portal.page.Exist[".alert-success"] = true
	portal.page.Texts[".alert-success"] = "Record created successfully"
	r := newTestRunner(portal)

	id, res := r.ExtractConfirmationID(context.Background())
	assert.Equal(t, StatusPartial, res.Status)
	assert.Empty(t, id)
	assert.Contains(t, res.Message, "Record created successfully")
}

func TestExtractConfirmationIDNothingFound(t *testing.T) {
	portal := happyPortal()
	portal.page.BodyText = "Saved."
	portal.page.CurrentURL = testBaseURL + "/somewhere"
	r := newTestRunner(portal)

	id, res := r.ExtractConfirmationID(context.Background())
	assert.Equal(t, StatusPartial, res.Status)
	assert.Empty(t, id)
}

func TestBuildRemark(t *testing.T) {
	remark := BuildRemark(sampleGroup(), "Web365")
	lines := strings.Split(remark, "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "TG8POR7DMU")
	assert.Equal(t, "Company: Web365", lines[2])
	assert.Equal(t, "Total: 90.00 THB", lines[3])
}
