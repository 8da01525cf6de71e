package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/pkg/httputil"
	"github.com/lovelink/mailer/internal/service/campaign"
	"github.com/lovelink/mailer/internal/service/progress"
	"github.com/lovelink/mailer/internal/storage"
	"github.com/lovelink/mailer/internal/worker"
)

const testToken = "s3cret"

type mockLifecycle struct {
	launchTotal int
	err         error
	calls       []string
}

func (m *mockLifecycle) record(op, id string) error {
	m.calls = append(m.calls, op+":"+id)
	return m.err
}

func (m *mockLifecycle) Launch(_ context.Context, id string) (int, error) {
	if err := m.record("launch", id); err != nil {
		return 0, err
	}
	return m.launchTotal, nil
}
func (m *mockLifecycle) Retry(_ context.Context, id string) error  { return m.record("retry", id) }
func (m *mockLifecycle) Pause(_ context.Context, id string) error  { return m.record("pause", id) }
func (m *mockLifecycle) Resume(_ context.Context, id string) error { return m.record("resume", id) }
func (m *mockLifecycle) Cancel(_ context.Context, id string) error { return m.record("cancel", id) }

type mockProcessor struct {
	gotID    string
	gotBatch int
	all      bool
}

func (m *mockProcessor) ProcessQueue(_ context.Context, id string, batch int) (*worker.Result, error) {
	m.gotID, m.gotBatch = id, batch
	return &worker.Result{CampaignID: id, Processed: 2, Sent: 2}, nil
}

func (m *mockProcessor) ProcessAll(_ context.Context, batch int) ([]*worker.Result, error) {
	m.all, m.gotBatch = true, batch
	return []*worker.Result{{CampaignID: "a"}, {CampaignID: "b", Skipped: true}}, nil
}

type mockStatus struct{ err error }

func (m *mockStatus) GetCampaignStatus(_ context.Context, id string) (*progress.CampaignStatus, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &progress.CampaignStatus{CampaignID: id, Status: domain.CampaignSending, PercentComplete: 40}, nil
}

type mockDeadLetters struct{ gotLimit int }

func (m *mockDeadLetters) DeadLetters(_ context.Context, id string, limit int) ([]domain.QueuedEmail, error) {
	m.gotLimit = limit
	return []domain.QueuedEmail{{CampaignID: id, Attempts: 3, LastError: "550"}}, nil
}

type mockArchiver struct{ err error }

func (m *mockArchiver) Archive(_ context.Context, id string) (*storage.ArchiveResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &storage.ArchiveResult{Bucket: "b", Key: "dead-letters/" + id + "/x.json", Count: 1}, nil
}

type testAPI struct {
	router    http.Handler
	lifecycle *mockLifecycle
	processor *mockProcessor
	dead      *mockDeadLetters
}

func newTestAPI(t *testing.T, archiver DeadLetterArchiver) *testAPI {
	t.Helper()
	a := &testAPI{
		lifecycle: &mockLifecycle{launchTotal: 250},
		processor: &mockProcessor{},
		dead:      &mockDeadLetters{},
	}
	h := NewCampaignHandlers(a.lifecycle, a.processor, &mockStatus{}, a.dead, archiver)
	a.router = NewRouter(RouterConfig{
		Campaigns:      h,
		InternalToken:  testToken,
		AllowedOrigins: []string{"https://admin.lovelink.app"},
	})
	return a
}

func (a *testAPI) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandleLaunch(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(http.MethodPost, "/api/campaigns/camp-1/launch", nil, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "camp-1", body["campaign_id"])
	assert.Equal(t, float64(250), body["total_recipients"])
	assert.Equal(t, []string{"launch:camp-1"}, a.lifecycle.calls)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"not found", fmt.Errorf("get: %w", campaign.ErrNotFound), http.StatusNotFound, "not_found"},
		{"wrong status", fmt.Errorf("launch: %w", campaign.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"launch racing", campaign.ErrLaunchInProgress, http.StatusConflict, "launch_in_progress"},
		{"no content", campaign.ErrNoContent, http.StatusUnprocessableEntity, "no_content"},
		{"no recipients", campaign.ErrNoRecipients, http.StatusUnprocessableEntity, "no_recipients"},
		{"infrastructure", errors.New("dial tcp: connection refused"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, nil)
			a.lifecycle.err = tt.err

			w := a.do(http.MethodPost, "/api/campaigns/camp-1/launch", nil, nil)

			assert.Equal(t, tt.wantCode, w.Code)
			var resp httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantErr, resp.Code)
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "connection refused")
			}
		})
	}
}

func TestLifecycleRoutes(t *testing.T) {
	tests := []struct {
		path   string
		call   string
		status domain.CampaignStatus
	}{
		{"/api/campaigns/c9/retry", "retry:c9", domain.CampaignDraft},
		{"/api/campaigns/c9/pause", "pause:c9", domain.CampaignPaused},
		{"/api/campaigns/c9/resume", "resume:c9", domain.CampaignSending},
		{"/api/campaigns/c9/cancel", "cancel:c9", domain.CampaignCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			a := newTestAPI(t, nil)
			w := a.do(http.MethodPost, tt.path, nil, nil)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, []string{tt.call}, a.lifecycle.calls)
			assert.Equal(t, string(tt.status), decodeBody(t, w)["status"])
		})
	}
}

func TestHandleProcess(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer " + testToken}

	t.Run("rejects missing token", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/process", map[string]any{"campaign_id": "c1"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, a.processor.gotID)
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/process", nil, map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("single campaign", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/process", map[string]any{"campaign_id": "c1", "batch_size": 20}, auth)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "c1", a.processor.gotID)
		assert.Equal(t, 20, a.processor.gotBatch)
		results := decodeBody(t, w)["results"].([]any)
		require.Len(t, results, 1)
		assert.Equal(t, float64(2), results[0].(map[string]any)["sent"])
	})

	t.Run("all campaigns with empty body", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/process", nil, auth)

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, a.processor.all)
		assert.Len(t, decodeBody(t, w)["results"], 2)
	})

	t.Run("negative batch size", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/process", map[string]any{"batch_size": -1}, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	a := newTestAPI(t, nil)
	w := a.do(http.MethodGet, "/api/campaigns/c1/status", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "c1", body["campaign_id"])
	assert.Equal(t, float64(40), body["percent_complete"])
}

func TestHandleDeadLetters(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(http.MethodGet, "/api/campaigns/c1/dead-letters", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultDeadLetterLimit, a.dead.gotLimit)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = a.do(http.MethodGet, "/api/campaigns/c1/dead-letters?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, a.dead.gotLimit)

	w = a.do(http.MethodGet, "/api/campaigns/c1/dead-letters?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleArchive(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		a := newTestAPI(t, nil)
		w := a.do(http.MethodPost, "/api/campaigns/c1/dead-letters/archive", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("exports", func(t *testing.T) {
		a := newTestAPI(t, &mockArchiver{})
		w := a.do(http.MethodPost, "/api/campaigns/c1/dead-letters/archive", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "dead-letters/c1/x.json", decodeBody(t, w)["key"])
	})

	t.Run("nothing to export", func(t *testing.T) {
		a := newTestAPI(t, &mockArchiver{err: storage.ErrNothingToArchive})
		w := a.do(http.MethodPost, "/api/campaigns/c1/dead-letters/archive", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t, nil)
	w := a.do(http.MethodOptions, "/api/campaigns/c1/launch", nil, map[string]string{
		"Origin":                        "https://admin.lovelink.app",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, "https://admin.lovelink.app", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	hc := NewHealthChecker(map[string]Probe{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	router := NewRouter(RouterConfig{Campaigns: NewCampaignHandlers(nil, nil, nil, nil, nil), Health: hc})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var st HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, "up", st.Checks["database"].Status)
	assert.Equal(t, "down", st.Checks["redis"].Status)
}
