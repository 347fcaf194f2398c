package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/metrics"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/pdf"
	"github.com/Health-Education-England/tis-trainee-forms/internal/repository"
	"github.com/Health-Education-England/tis-trainee-forms/internal/storage"
)

// Renderer turns a stored version into document bytes. Implemented by
// pdf.Renderer; abstracted so service tests can inject failures.
type Renderer interface {
	Render(ctx context.Context, version *models.FormVersion) ([]byte, error)
}

// SnapshotService produces the immutable PDF snapshot of a stored version.
// Repeated requests for the same version yield byte-identical documents with
// the same fingerprint whether they hit the object-store cache or re-render.
type SnapshotService interface {
	RequestSnapshot(ctx context.Context, traineeID, formType string, versionID int64) (*models.DocumentSnapshot, error)
}

var _ SnapshotService = (*snapshotService)(nil)

type snapshotService struct {
	versions repository.FormVersionRepository
	renderer Renderer
	store    storage.ObjectStore
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

// NewSnapshotService creates the snapshot service. timeout bounds a single
// render; a render that exceeds it fails with ErrRenderTimeout and leaves no
// partial artifact behind.
func NewSnapshotService(
	versions repository.FormVersionRepository,
	renderer Renderer,
	store storage.ObjectStore,
	m *metrics.Metrics,
	timeout time.Duration,
	log zerolog.Logger,
) SnapshotService {
	return &snapshotService{
		versions: versions,
		renderer: renderer,
		store:    store,
		metrics:  m,
		timeout:  timeout,
		log:      log.With().Str("component", "snapshot_service").Logger(),
	}
}

// RequestSnapshot loads the version, consults the cache keyed by the render
// inputs, and renders on a miss. The caller can rely on the result being
// reproducible: a cache hit and a fresh render of the same version are
// byte-identical because rendering is deterministic.
func (s *snapshotService) RequestSnapshot(ctx context.Context, traineeID, formType string, versionID int64) (*models.DocumentSnapshot, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}

	version, err := s.versions.Get(ctx, models.FormVersionKey{TraineeID: traineeID, FormType: formType, VersionID: versionID})
	if err != nil {
		if errors.Is(err, repository.ErrVersionNotFound) {
			return nil, ErrFormNotFound
		}
		return nil, fmt.Errorf("loading version for snapshot: %w", err)
	}

	objectKey := snapshotObjectKey(version)

	if cached, cerr := s.store.Download(ctx, objectKey); cerr == nil {
		s.metrics.SnapshotCacheHits.Inc()
		s.metrics.RendersTotal.WithLabelValues("cache_hit").Inc()
		return s.snapshotFor(version, cached), nil
	} else if !errors.Is(cerr, storage.ErrObjectNotFound) {
		// Cache trouble must not fail the request, regeneration is always
		// possible.
		s.log.Warn().Err(cerr).Str("object_key", objectKey).Msg("snapshot cache read failed, re-rendering")
	}
	s.metrics.SnapshotCacheMisses.Inc()

	renderCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	rendered, err := s.renderer.Render(renderCtx, version)
	s.metrics.RenderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// A cancelled caller is not a render timeout; report the
		// cancellation itself so it does not surface as a 503.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.RendersTotal.WithLabelValues("timeout").Inc()
			return nil, ErrRenderTimeout
		}
		s.metrics.RendersTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rendering snapshot: %w", err)
	}
	s.metrics.RendersTotal.WithLabelValues("rendered").Inc()

	if err = s.store.Upload(ctx, objectKey, rendered, "application/pdf"); err != nil {
		// The document is already correct; caching it is best-effort.
		s.log.Warn().Err(err).Str("object_key", objectKey).Msg("snapshot cache write failed")
	}

	return s.snapshotFor(version, rendered), nil
}

func (s *snapshotService) snapshotFor(version *models.FormVersion, data []byte) *models.DocumentSnapshot {
	return &models.DocumentSnapshot{
		TraineeID:          version.TraineeID,
		FormType:           version.FormType,
		VersionID:          version.VersionID,
		ContentFingerprint: pdf.Fingerprint(data),
		RenderedAt:         time.Now().UTC(),
		Draft:              version.State == lifecycle.StateDraft,
		Bytes:              data,
	}
}

// snapshotObjectKey is the content-addressed cache key: a digest of every
// render input, so a version edited in DRAFT or re-rendered after a state
// change never collides with an earlier artifact.
func snapshotObjectKey(v *models.FormVersion) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\x00", v.TraineeID, v.FormType, v.VersionID, v.State)
	h.Write(v.Content)
	return fmt.Sprintf("snapshots/%s/%s/%d/%s.pdf", v.TraineeID, v.FormType, v.VersionID, hex.EncodeToString(h.Sum(nil)))
}

// ErrRenderTimeout means the bounded render window elapsed; the version
// exists and a retry may succeed.
var ErrRenderTimeout = errors.New("snapshot render timed out")
