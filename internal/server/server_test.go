package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	jobsvc "github.com/unmarklabs/unmark/internal/job/service"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	ledgersvc "github.com/unmarklabs/unmark/internal/ledger/service"
	"github.com/unmarklabs/unmark/internal/quota"
	"github.com/unmarklabs/unmark/internal/workqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const workerToken = "worker-secret"

type testStack struct {
	server *Server
	ledger ledgerdomain.Service
	queue  *workqueue.Fake
	node   *snowflake.Node
	userID snowflake.ID
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&jobdomain.Job{},
		&ledgerdomain.CreditBalance{},
		&ledgerdomain.CreditEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	queue := workqueue.NewFake()

	ledger := ledgersvc.NewService(ledgersvc.ServiceParam{DB: db, Log: log, GenID: node})
	enforcer := quota.NewEnforcer(quota.EnforcerParam{
		DB:       db,
		Log:      log,
		Clock:    clk,
		Counters: quota.NewFakeCounterStore(),
		Config:   config.Config{Quota: config.QuotaConfig{FailOpen: true}},
	})
	jobs := jobsvc.NewService(jobsvc.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Ledger:   ledger,
		Enforcer: enforcer,
		Queue:    queue,
	})

	srv := NewServer(ServerParams{
		Gin:       NewEngine(),
		Cfg:       config.Config{WorkerAuthToken: workerToken},
		Log:       log,
		JobSvc:    jobs,
		LedgerSvc: ledger,
	})

	return &testStack{
		server: srv,
		ledger: ledger,
		queue:  queue,
		node:   node,
		userID: node.Generate(),
	}
}

func (ts *testStack) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)
	return w
}

func (ts *testStack) asUser(extra ...string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + ts.userID.String(),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		headers[extra[i]] = extra[i+1]
	}
	return headers
}

func (ts *testStack) asWorker() map[string]string {
	return map[string]string{"Authorization": "Bearer " + workerToken}
}

func createBody() map[string]any {
	return map[string]any{
		"videoRef":        "s3://uploads/video.mp4",
		"platform":        "tiktok",
		"processingMode":  "inpaint",
		"fileSizeBytes":   10 << 20,
		"durationSeconds": 30,
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestCreateJob_NoToken(t *testing.T) {
	ts := newTestStack(t)
	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NO_TOKEN", decodeError(t, w).Code)
}

func TestCreateJob_HappyPath(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, int64(1), resp.CreditsCharged)
	assert.NotEmpty(t, resp.JobID)
	assert.Len(t, ts.queue.Pending(), 1)
}

func TestCreateJob_QuotaDenied(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "QUOTA_DAILY", payload.Code)
	require.NotNil(t, payload.Limit)
	require.NotNil(t, payload.Used)
	assert.Equal(t, 3, *payload.Limit)
	assert.Equal(t, 3, *payload.Used)
	assert.NotNil(t, payload.ResetAt)
}

func TestCreateJob_InsufficientCredits(t *testing.T) {
	ts := newTestStack(t)
	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", decodeError(t, w).Code)
}

func TestCreateJob_InvalidInput(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	body := createBody()
	body["processingMode"] = "blur"
	w := ts.do(t, http.MethodPost, "/v1/jobs", body, ts.asUser())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, w).Code)
}

func TestGetJob_OtherUserSeesNotFound(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	require.Equal(t, http.StatusCreated, w.Code)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	other := ts.node.Generate()
	w = ts.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, map[string]string{
		"Authorization": "Bearer " + other.String(),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	require.Equal(t, http.StatusCreated, w.Code)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", created.JobID), nil, ts.asUser())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	balance, err := ts.ledger.GetBalance(context.Background(), ts.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "cancel refunds the reservation")

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", created.JobID), nil, ts.asUser())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_CANCELLABLE", decodeError(t, w).Code)
}

func TestWorkerCallbacks(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.ledger.Grant(context.Background(), ts.userID, 10, ledgerdomain.ReasonPurchase))

	w := ts.do(t, http.MethodPost, "/v1/jobs", createBody(), ts.asUser())
	require.Equal(t, http.StatusCreated, w.Code)
	var created createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// User tokens are rejected on the internal surface.
	w = ts.do(t, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/progress", created.JobID),
		map[string]any{"percent": 40, "stage": "inpainting"}, ts.asUser())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/progress", created.JobID),
		map[string]any{"percent": 40, "stage": "inpainting"}, ts.asWorker())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/complete", created.JobID),
		map[string]any{"outputRef": "s3://outputs/clean.mp4", "finalCost": 1}, ts.asWorker())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, ts.asUser())
	require.Equal(t, http.StatusOK, w.Code)
	var job jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "completed", job.Status)
	require.NotNil(t, job.OutputRef)
	assert.Equal(t, "s3://outputs/clean.mp4", *job.OutputRef)
}

func TestCredits(t *testing.T) {
	ts := newTestStack(t)

	w := ts.do(t, http.MethodGet, "/v1/credits/balance", nil, ts.asUser())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":0}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/v1/credits/purchase", map[string]any{"amount": 25}, ts.asUser())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":25}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/v1/credits/purchase", map[string]any{"amount": -5}, ts.asUser())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, w).Code)

	w = ts.do(t, http.MethodGet, "/v1/credits/ledger", nil, ts.asUser())
	require.Equal(t, http.StatusOK, w.Code)
	var ledger struct {
		Entries []creditEntryResponse `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, "purchase", ledger.Entries[0].Reason)
	assert.Equal(t, int64(25), ledger.Entries[0].Delta)
}

func TestHealth(t *testing.T) {
	ts := newTestStack(t)
	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
