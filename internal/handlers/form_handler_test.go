package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-forms/internal/handlers"
	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/middleware"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
)

type MockFormService struct {
	mock.Mock
}

func (m *MockFormService) CreateDraft(ctx context.Context, traineeID, formType string, content json.RawMessage) (*models.FormVersion, error) {
	args := m.Called(ctx, traineeID, formType, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FormVersion), args.Error(1)
}

func (m *MockFormService) GetVersion(ctx context.Context, traineeID, formType string, versionID int64) (*models.FormVersion, error) {
	args := m.Called(ctx, traineeID, formType, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FormVersion), args.Error(1)
}

func (m *MockFormService) ListVersions(ctx context.Context, traineeID, formType string, limit, offset int) ([]models.FormVersion, error) {
	args := m.Called(ctx, traineeID, formType, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.FormVersion), args.Error(1)
}

func (m *MockFormService) UpdateDraftContent(ctx context.Context, traineeID, formType string, versionID, expectedRevision int64, content json.RawMessage) (*models.FormVersion, error) {
	args := m.Called(ctx, traineeID, formType, versionID, expectedRevision, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FormVersion), args.Error(1)
}

func (m *MockFormService) ApplyTransition(ctx context.Context, traineeID, formType string, versionID, expectedRevision int64, event lifecycle.Event) (*models.FormVersion, error) {
	args := m.Called(ctx, traineeID, formType, versionID, expectedRevision, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FormVersion), args.Error(1)
}

type MockSnapshotService struct {
	mock.Mock
}

func (m *MockSnapshotService) RequestSnapshot(ctx context.Context, traineeID, formType string, versionID int64) (*models.DocumentSnapshot, error) {
	args := m.Called(ctx, traineeID, formType, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DocumentSnapshot), args.Error(1)
}

// asTrainee injects the authenticated identity the way the auth middleware
// does, so handler tests run without tokens.
func asTrainee(traineeID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.TraineeIDKey, traineeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newTestServer(forms *MockFormService, snapshots *MockSnapshotService) *httptest.Server {
	handler := handlers.NewFormHandler(forms, snapshots, zerolog.Nop())
	return httptest.NewServer(asTrainee("47165", handler.Routes()))
}

func sampleVersion() *models.FormVersion {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &models.FormVersion{
		TraineeID: "47165", FormType: "formr-parta", VersionID: 3,
		State: lifecycle.StateDraft, Content: json.RawMessage(`{"forename":"Anthony"}`),
		Revision: 1, CreatedAt: now, LastModifiedAt: now,
	}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCreateDraftHandler(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("CreateDraft", mock.Anything, "47165", "formr-parta", mock.Anything).
		Return(sampleVersion(), nil)

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta", map[string]string{"forename": "Anthony"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var version models.FormVersion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, int64(3), version.VersionID)
	assert.Equal(t, lifecycle.StateDraft, version.State)
}

func TestCreateDraftHandlerUnknownFormType(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("CreateDraft", mock.Anything, "47165", "not-a-form", mock.Anything).
		Return(nil, services.ErrUnknownFormType)

	resp := doJSON(t, http.MethodPost, server.URL+"/not-a-form", map[string]string{})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateDraftHandlerInvalidContent(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("CreateDraft", mock.Anything, "47165", "formr-parta", mock.Anything).
		Return(nil, services.ErrInvalidContent)

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta", []int{1, 2})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetVersionHandler(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("GetVersion", mock.Anything, "47165", "formr-parta", int64(3)).
		Return(sampleVersion(), nil)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta/3", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetVersionHandlerNotFound(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("GetVersion", mock.Anything, "47165", "formr-parta", int64(9)).
		Return(nil, services.ErrFormNotFound)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta/9", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetVersionHandlerBadVersionID(t *testing.T) {
	server := newTestServer(new(MockFormService), new(MockSnapshotService))
	defer server.Close()

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta/abc", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListVersionsHandler(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("ListVersions", mock.Anything, "47165", "formr-parta", 50, 0).
		Return([]models.FormVersion{*sampleVersion()}, nil)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var versions []models.FormVersion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&versions))
	assert.Len(t, versions, 1)
}

func TestListVersionsHandlerEmptyIsJSONArray(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("ListVersions", mock.Anything, "47165", "formr-parta", 50, 0).
		Return(nil, nil)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, "[]", string(body))
}

func TestUpdateDraftContentHandler(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	updated := sampleVersion()
	updated.Revision = 2
	forms.On("UpdateDraftContent", mock.Anything, "47165", "formr-parta", int64(3), int64(1), mock.Anything).
		Return(updated, nil)

	resp := doJSON(t, http.MethodPut, server.URL+"/formr-parta/3", map[string]any{
		"expectedRevision": 1,
		"content":          map[string]string{"forename": "Tony"},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateDraftContentHandlerFrozen(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("UpdateDraftContent", mock.Anything, "47165", "formr-parta", int64(3), int64(2), mock.Anything).
		Return(nil, services.ErrContentFrozen)

	resp := doJSON(t, http.MethodPut, server.URL+"/formr-parta/3", map[string]any{
		"expectedRevision": 2,
		"content":          map[string]string{"forename": "Tony"},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApplyTransitionHandler(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	submitted := sampleVersion()
	submitted.State = lifecycle.StateSubmitted
	submitted.Revision = 2
	forms.On("ApplyTransition", mock.Anything, "47165", "formr-parta", int64(3), int64(1), lifecycle.EventSubmit).
		Return(submitted, nil)

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta/3/transitions", map[string]any{
		"event":            "submit",
		"expectedRevision": 1,
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var version models.FormVersion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, lifecycle.StateSubmitted, version.State)
	assert.Equal(t, int64(2), version.Revision)
}

func TestApplyTransitionHandlerStaleRevision(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	current := sampleVersion()
	current.State = lifecycle.StateSubmitted
	current.Revision = 2
	forms.On("ApplyTransition", mock.Anything, "47165", "formr-parta", int64(3), int64(1), lifecycle.EventSubmit).
		Return(current, services.ErrStaleRevision)

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta/3/transitions", map[string]any{
		"event":            "submit",
		"expectedRevision": 1,
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body struct {
		Error   string              `json:"error"`
		Current *models.FormVersion `json:"current"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Current, "conflict response carries the authoritative state")
	assert.Equal(t, int64(2), body.Current.Revision)
	assert.Equal(t, lifecycle.StateSubmitted, body.Current.State)
}

func TestApplyTransitionHandlerInvalidTransition(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	forms.On("ApplyTransition", mock.Anything, "47165", "formr-parta", int64(3), int64(2), lifecycle.EventDiscard).
		Return(nil, &lifecycle.InvalidTransitionError{From: lifecycle.StateSubmitted, Event: lifecycle.EventDiscard})

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta/3/transitions", map[string]any{
		"event":            "discard",
		"expectedRevision": 2,
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestApplyTransitionHandlerUnknownEvent(t *testing.T) {
	forms := new(MockFormService)
	server := newTestServer(forms, new(MockSnapshotService))
	defer server.Close()

	resp := doJSON(t, http.MethodPost, server.URL+"/formr-parta/3/transitions", map[string]any{
		"event":            "archive",
		"expectedRevision": 1,
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	forms.AssertNotCalled(t, "ApplyTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetSnapshotHandler(t *testing.T) {
	snapshots := new(MockSnapshotService)
	server := newTestServer(new(MockFormService), snapshots)
	defer server.Close()

	snapshots.On("RequestSnapshot", mock.Anything, "47165", "formr-parta", int64(3)).
		Return(&models.DocumentSnapshot{
			TraineeID: "47165", FormType: "formr-parta", VersionID: 3,
			ContentFingerprint: "abc123", Bytes: []byte("%PDF-1.4 test"),
		}, nil)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta/3/pdf", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `"abc123"`, resp.Header.Get("ETag"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "%PDF-1.4 test", string(body))
}

func TestGetSnapshotHandlerRenderTimeout(t *testing.T) {
	snapshots := new(MockSnapshotService)
	server := newTestServer(new(MockFormService), snapshots)
	defer server.Close()

	snapshots.On("RequestSnapshot", mock.Anything, "47165", "formr-parta", int64(3)).
		Return(nil, services.ErrRenderTimeout)

	resp := doJSON(t, http.MethodGet, server.URL+"/formr-parta/3/pdf", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
