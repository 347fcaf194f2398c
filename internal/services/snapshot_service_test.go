package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-forms/internal/metrics"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/pdf"
	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
	"github.com/Health-Education-England/tis-trainee-forms/internal/storage"
)

// fakeObjectStore is an in-memory storage.ObjectStore.
type fakeObjectStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadErr   error
	downloadErr error
	downloads   int
	uploads     int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// slowRenderer blocks until the render context is cancelled.
type slowRenderer struct{}

func (slowRenderer) Render(ctx context.Context, _ *models.FormVersion) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newSnapshotService(repo *fakeVersionRepo, renderer services.Renderer, store storage.ObjectStore, timeout time.Duration) services.SnapshotService {
	return services.NewSnapshotService(repo, renderer, store, metrics.New(prometheus.NewRegistry()), timeout, zerolog.Nop())
}

func seedVersion(t *testing.T, repo *fakeVersionRepo, content string) *models.FormVersion {
	t.Helper()
	version, err := repo.Create(context.Background(), "42", "formr-parta", json.RawMessage(content))
	require.NoError(t, err)
	return version
}

func TestRequestSnapshotRendersAndCaches(t *testing.T) {
	repo := newFakeVersionRepo()
	store := newFakeObjectStore()
	svc := newSnapshotService(repo, pdf.NewRenderer(), store, time.Minute)
	version := seedVersion(t, repo, `{"forename":"Anthony","surname":"Gilliam"}`)

	snapshot, err := svc.RequestSnapshot(context.Background(), "42", "formr-parta", version.VersionID)

	require.NoError(t, err)
	assert.NotEmpty(t, snapshot.Bytes)
	assert.Equal(t, pdf.Fingerprint(snapshot.Bytes), snapshot.ContentFingerprint)
	assert.True(t, snapshot.Draft)
	assert.Len(t, store.objects, 1, "rendered document cached")
}

func TestRequestSnapshotReproducibleAcrossCacheAndRender(t *testing.T) {
	repo := newFakeVersionRepo()
	store := newFakeObjectStore()
	svc := newSnapshotService(repo, pdf.NewRenderer(), store, time.Minute)
	version := seedVersion(t, repo, `{"forename":"Anthony","surname":"Gilliam"}`)
	ctx := context.Background()

	first, err := svc.RequestSnapshot(ctx, "42", "formr-parta", version.VersionID)
	require.NoError(t, err)
	second, err := svc.RequestSnapshot(ctx, "42", "formr-parta", version.VersionID)
	require.NoError(t, err)

	assert.Equal(t, first.ContentFingerprint, second.ContentFingerprint)
	assert.Equal(t, first.Bytes, second.Bytes)
	assert.Equal(t, 1, store.uploads, "second request served from cache")
}

func TestRequestSnapshotSurvivesCacheOutage(t *testing.T) {
	repo := newFakeVersionRepo()
	store := newFakeObjectStore()
	store.downloadErr = errors.New("connection refused")
	store.uploadErr = errors.New("connection refused")
	svc := newSnapshotService(repo, pdf.NewRenderer(), store, time.Minute)
	version := seedVersion(t, repo, `{"forename":"Anthony"}`)

	snapshot, err := svc.RequestSnapshot(context.Background(), "42", "formr-parta", version.VersionID)

	require.NoError(t, err, "cache failures must not fail the request")
	assert.NotEmpty(t, snapshot.Bytes)
}

func TestRequestSnapshotTimesOut(t *testing.T) {
	repo := newFakeVersionRepo()
	svc := newSnapshotService(repo, slowRenderer{}, newFakeObjectStore(), 20*time.Millisecond)
	version := seedVersion(t, repo, `{"forename":"Anthony"}`)

	_, err := svc.RequestSnapshot(context.Background(), "42", "formr-parta", version.VersionID)

	require.ErrorIs(t, err, services.ErrRenderTimeout)
}

func TestRequestSnapshotCallerCancellationIsNotATimeout(t *testing.T) {
	repo := newFakeVersionRepo()
	svc := newSnapshotService(repo, slowRenderer{}, newFakeObjectStore(), time.Minute)
	version := seedVersion(t, repo, `{"forename":"Anthony"}`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := svc.RequestSnapshot(ctx, "42", "formr-parta", version.VersionID)

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, services.ErrRenderTimeout)
}

func TestRequestSnapshotUnknownInputs(t *testing.T) {
	repo := newFakeVersionRepo()
	svc := newSnapshotService(repo, pdf.NewRenderer(), newFakeObjectStore(), time.Minute)
	ctx := context.Background()

	_, err := svc.RequestSnapshot(ctx, "42", "not-a-form", 1)
	assert.ErrorIs(t, err, services.ErrUnknownFormType)

	_, err = svc.RequestSnapshot(ctx, "42", "formr-parta", 7)
	assert.ErrorIs(t, err, services.ErrFormNotFound)
}
