package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/ingest"
	"rhythmchamber/pkg/lock"
	"rhythmchamber/pkg/model"
	"rhythmchamber/pkg/storage"
	"rhythmchamber/pkg/tabs"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	locks := lock.New()
	store := storage.New(db)
	demo := storage.NewDemoStore(db, locks)
	ingestCtrl := ingest.NewController(locks, store, model.NewHeuristicDetector(), model.NewHeuristicClassifier(), ingest.Config{})
	coords := tabs.NewCoordinatorRegistry(store, tabs.Config{HeartbeatInterval: time.Minute})

	return New(ingestCtrl, demo, coords, 0)
}

func TestRegisterAttachesAllRoutes(t *testing.T) {
	a := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	for _, path := range []string{"/api/upload", "/api/demo/activate", "/api/demo/deactivate", "/api/tabs/heartbeat"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHandleUploadRejectsWrongMethod(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/upload", nil)
	rec := httptest.NewRecorder()
	a.handleUpload(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleUploadRejectsMissingFileField(t *testing.T) {
	a := newTestAPI(t)
	var body bytes.Buffer
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	a.handleUpload(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUploadServiceUnavailableWithoutController(t *testing.T) {
	a := New(nil, nil, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	rec := httptest.NewRecorder()
	a.handleUpload(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func demoPackageJSON() []byte {
	body := map[string]any{
		"streams": []map[string]any{
			{
				"timestamp":        "2026-01-01T00:00:00Z",
				"track":            "Demo Track",
				"artist":           "Demo Artist",
				"ms_played":        180000,
				"completion_ratio": 1,
				"play_type":        "full",
			},
		},
		"patterns": map[string]any{
			"patterns": map[string]any{"night_owl": map[string]any{"value": true}},
		},
		"personality": map[string]any{
			"label":        "Night Owl",
			"evidence":     []string{"night_owl"},
			"is_demo_data": true,
		},
	}
	data, _ := json.Marshal(body)
	return data
}

func TestHandleDemoActivateAndDeactivateRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/demo/activate", bytes.NewReader(demoPackageJSON()))
	rec := httptest.NewRecorder()
	a.handleDemoActivate(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, a.demo.IsActive())

	req = httptest.NewRequest(http.MethodPost, "/api/demo/deactivate", nil)
	rec = httptest.NewRecorder()
	a.handleDemoDeactivate(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, a.demo.IsActive())
}

func TestHandleDemoActivateRejectsInvalidPackage(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/demo/activate", bytes.NewReader([]byte(`{"streams":[]}`)))
	rec := httptest.NewRecorder()
	a.handleDemoActivate(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, a.demo.IsActive())
}

func TestHandleTabHeartbeatInitElectsSoleTabPrimary(t *testing.T) {
	a := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{"tabId": "tab-a", "init": true})
	req := httptest.NewRequest(http.MethodPost, "/api/tabs/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleTabHeartbeat(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TabID     string `json:"tabId"`
		IsPrimary bool   `json:"isPrimary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tab-a", resp.TabID)
	assert.True(t, resp.IsPrimary)
}

func TestHandleTabHeartbeatGeneratesTabIDWhenMissing(t *testing.T) {
	a := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{"init": true})
	req := httptest.NewRequest(http.MethodPost, "/api/tabs/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleTabHeartbeat(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TabID string `json:"tabId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TabID)
}

func TestHandleTabHeartbeatIsolatesByOrigin(t *testing.T) {
	a := newTestAPI(t)

	initBody, _ := json.Marshal(map[string]any{"tabId": "tab-a", "init": true})
	req := httptest.NewRequest(http.MethodPost, "/api/tabs/heartbeat", bytes.NewReader(initBody))
	req.Header.Set("Origin", "https://one.example.com")
	rec := httptest.NewRecorder()
	a.handleTabHeartbeat(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	otherBody, _ := json.Marshal(map[string]any{"tabId": "tab-z", "init": true})
	req = httptest.NewRequest(http.MethodPost, "/api/tabs/heartbeat", bytes.NewReader(otherBody))
	req.Header.Set("Origin", "https://two.example.com")
	rec = httptest.NewRecorder()
	a.handleTabHeartbeat(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		IsPrimary bool `json:"isPrimary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsPrimary) // sole tab within its own origin
}
