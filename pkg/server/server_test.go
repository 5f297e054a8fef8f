package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/classify"
	"github.com/web365/clawbot/pkg/config"
	"github.com/web365/clawbot/pkg/jobs"
	"github.com/web365/clawbot/pkg/records"
	"github.com/web365/clawbot/pkg/security/datadir"
	"github.com/web365/clawbot/pkg/workflow"
)

type fakeDispatcher struct {
	jobs       map[string]*jobs.Job
	review     *jobs.Review
	reviewErr  error
	confirmErr error

	startedRows     []map[string]any
	startedIdentity workflow.Identity
	startedOpts     jobs.Options
	answered        map[string]string
	answerOK        bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		jobs:     make(map[string]*jobs.Job),
		answered: make(map[string]string),
	}
}

func (f *fakeDispatcher) StartJob(rows []map[string]any, identity workflow.Identity, opts jobs.Options) *jobs.Job {
	f.startedRows = rows
	f.startedIdentity = identity
	f.startedOpts = opts
	job := &jobs.Job{ID: "job-0001", SessionKey: identity.SessionKey, Status: jobs.JobStarted, StartedAt: time.Now()}
	f.jobs[job.ID] = job
	return job
}

func (f *fakeDispatcher) StartReview(rows []map[string]any, sessionKey string, mode records.GroupMode) (*jobs.Review, error) {
	if f.reviewErr != nil {
		return nil, f.reviewErr
	}
	f.review = &jobs.Review{SessionKey: sessionKey, Mode: mode, CreatedAt: time.Now()}
	return f.review, nil
}

func (f *fakeDispatcher) ConfirmReview(identity workflow.Identity, company string, overrides map[string]string, opts jobs.Options) (*jobs.Job, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.StartJob(nil, identity, opts), nil
}

func (f *fakeDispatcher) SubmitAnswer(sessionKey, text string) bool {
	if !f.answerOK {
		return false
	}
	f.answered[sessionKey] = text
	return true
}

func (f *fakeDispatcher) GetJob(id string) (*jobs.Job, bool) {
	job, ok := f.jobs[id]
	return job, ok
}

func (f *fakeDispatcher) ListJobs() []jobs.Summary {
	out := make([]jobs.Summary, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, jobs.Summary{ID: job.ID, Status: job.Status, StartedAt: job.StartedAt})
	}
	return out
}

type fakeClassifier struct {
	result *classify.Result
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, _, _ string, _ []classify.Turn) *classify.Result {
	f.calls++
	return f.result
}

func newTestServer(t *testing.T, dispatcher Dispatcher, classifier Classifier) *Server {
	t.Helper()
	portal := config.PortalConfig{
		BaseURL:  "https://portal.test",
		Username: "default-user",
		Password: "default-pass",
	}
	guard, err := datadir.NewGuard(t.TempDir())
	require.NoError(t, err)
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, portal, dispatcher, classifier, guard, zap.NewNop())
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeDispatcher(), nil)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestDispatchStartsJobAndReturnsPollURL(t *testing.T) {
	d := newFakeDispatcher()
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch", map[string]any{
		"session_key": "sess-1",
		"username":    "noi",
		"password":    "secret",
		"mode":        "combine",
		"company":     "Web365",
		"records": []map[string]any{
			{"order_code": "TG8POR7DMU", "amount": 100.0},
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-0001", body["job_id"])
	assert.Equal(t, "/jobs/job-0001", body["poll_url"])

	assert.Equal(t, "sess-1", d.startedIdentity.SessionKey)
	assert.Equal(t, "noi", d.startedIdentity.Username)
	assert.Equal(t, records.ModeCombine, d.startedOpts.Mode)
	assert.Equal(t, "Web365", d.startedOpts.Company)
	require.Len(t, d.startedRows, 1)
}

func TestDispatchFallsBackToConfiguredCredentials(t *testing.T) {
	d := newFakeDispatcher()
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch", map[string]any{
		"records": []map[string]any{{"order_code": "X", "amount": 1.0}},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "default-user", d.startedIdentity.Username)
	assert.Equal(t, "default-pass", d.startedIdentity.Password)
	assert.Equal(t, "default-user", d.startedIdentity.SessionKey)
}

func TestDispatchRejectsMissingRecords(t *testing.T) {
	s := newTestServer(t, newFakeDispatcher(), nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch", map[string]any{"session_key": "sess-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t, newFakeDispatcher(), nil)

	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobFoundAndMissing(t *testing.T) {
	d := newFakeDispatcher()
	d.jobs["abc123"] = &jobs.Job{ID: "abc123", Status: jobs.JobCompleted}
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodGet, "/jobs/abc123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", decode(t, rec)["id"])

	rec = doJSON(t, s, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	d := newFakeDispatcher()
	d.jobs["a"] = &jobs.Job{ID: "a", Status: jobs.JobProcessing}
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodGet, "/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["jobs"], 1)
}

func TestReviewReturnsSummary(t *testing.T) {
	d := newFakeDispatcher()
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch/review", map[string]any{
		"session_key": "sess-1",
		"mode":        "combine",
		"records":     []map[string]any{{"order_code": "X", "amount": 1.0}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body, "review")
	assert.Contains(t, body["summary"], "Review")
}

func TestConfirmWithoutPendingReview(t *testing.T) {
	d := newFakeDispatcher()
	d.confirmErr = assert.AnError
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch/confirm", map[string]any{"session_key": "sess-1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmStartsJob(t *testing.T) {
	d := newFakeDispatcher()
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/dispatch/confirm", map[string]any{
		"session_key": "sess-1",
		"username":    "noi",
		"password":    "secret",
		"company":     "Web365",
		"order_code_overrides": map[string]string{"G1": "G1-FIXED"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-0001", decode(t, rec)["job_id"])
}

func TestAnswerRouting(t *testing.T) {
	d := newFakeDispatcher()
	d.answerOK = true
	s := newTestServer(t, d, nil)

	rec := doJSON(t, s, http.MethodPost, "/answer", map[string]any{
		"session_key": "sess-1",
		"answer":      "Andaman Travel Ltd.",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Andaman Travel Ltd.", d.answered["sess-1"])

	d.answerOK = false
	rec = doJSON(t, s, http.MethodPost, "/answer", map[string]any{
		"session_key": "sess-2",
		"answer":      "anything",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatWithoutClassifier(t *testing.T) {
	s := newTestServer(t, newFakeDispatcher(), nil)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{"message": "hello"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatConsumesOpenQuestionAnswer(t *testing.T) {
	cl := &fakeClassifier{result: &classify.Result{Intent: classify.IntentGeneral}}
	d := newFakeDispatcher()
	d.answerOK = true
	s := newTestServer(t, d, cl)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"session_key": "sess-1",
		"message":     "Andaman Travel Ltd.",
	})

	// The message answers the open question; it must not be reclassified
	// or spawn a job.
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["answered"])
	assert.Equal(t, "Andaman Travel Ltd.", d.answered["sess-1"])
	assert.Equal(t, 0, cl.calls)
	assert.NotContains(t, body, "job_id")
	assert.Empty(t, d.startedRows)
}

func TestChatAnswersDirectly(t *testing.T) {
	cl := &fakeClassifier{result: &classify.Result{
		Intent:     classify.IntentGeneral,
		Confidence: 0.9,
		Response:   "Hello! Upload an expense file to get started.",
		Delegate:   false,
	}}
	d := newFakeDispatcher()
	s := newTestServer(t, d, cl)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{"message": "hi"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "general", body["intent"])
	assert.NotContains(t, body, "job_id")
	assert.Empty(t, d.startedRows)
}

func TestChatDelegatesExpenseRecording(t *testing.T) {
	cl := &fakeClassifier{result: &classify.Result{
		Intent:     classify.IntentExpenseRecording,
		Confidence: 0.95,
		Response:   "On it.",
		Delegate:   true,
		TaskDetails: classify.TaskDetails{
			Action:     "process_expense_file",
			Parameters: map[string]any{"mode": "split", "company": "Web365"},
		},
	}}
	d := newFakeDispatcher()
	s := newTestServer(t, d, cl)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"session_key": "sess-1",
		"message":     "record these",
		"records":     []map[string]any{{"order_code": "X", "amount": 5.0}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-0001", body["job_id"])
	assert.Equal(t, records.ModeSplit, d.startedOpts.Mode)
	assert.Equal(t, "Web365", d.startedOpts.Company)
}

func TestChatRejectsFilePathOutsideDataDir(t *testing.T) {
	cl := &fakeClassifier{result: &classify.Result{Intent: classify.IntentGeneral}}
	s := newTestServer(t, newFakeDispatcher(), cl)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"message":   "process this",
		"file_path": "../../etc/passwd",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatDelegateWithoutRecordsDoesNotStartJob(t *testing.T) {
	cl := &fakeClassifier{result: &classify.Result{
		Intent:   classify.IntentExpenseRecording,
		Delegate: true,
		Response: "Please upload the expense file first.",
	}}
	d := newFakeDispatcher()
	s := newTestServer(t, d, cl)

	rec := doJSON(t, s, http.MethodPost, "/chat", map[string]any{
		"session_key": "sess-1",
		"message":     "record my expenses",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode(t, rec), "job_id")
	assert.Empty(t, d.startedRows)
}
