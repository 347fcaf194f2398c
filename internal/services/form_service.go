package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/metrics"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/repository"
)

// FormTypes are the form types this service manages.
var FormTypes = []string{"formr-parta", "formr-partb"}

// FormService drives the form version lifecycle: draft creation, draft
// editing and state transitions. All writes funnel through the version
// store's compare-and-update, so two concurrent callers against the same
// revision cannot both succeed.
type FormService interface {
	CreateDraft(ctx context.Context, traineeID, formType string, content json.RawMessage) (*models.FormVersion, error)
	GetVersion(ctx context.Context, traineeID, formType string, versionID int64) (*models.FormVersion, error)
	ListVersions(ctx context.Context, traineeID, formType string, limit, offset int) ([]models.FormVersion, error)
	UpdateDraftContent(ctx context.Context, traineeID, formType string, versionID, expectedRevision int64, content json.RawMessage) (*models.FormVersion, error)
	// ApplyTransition applies a lifecycle event. On ErrStaleRevision the
	// current authoritative version is returned with the error so the caller
	// can retry against fresh state.
	ApplyTransition(ctx context.Context, traineeID, formType string, versionID, expectedRevision int64, event lifecycle.Event) (*models.FormVersion, error)
}

var _ FormService = (*formService)(nil)

type formService struct {
	versions repository.FormVersionRepository
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewFormService creates the form lifecycle service.
func NewFormService(versions repository.FormVersionRepository, m *metrics.Metrics, log zerolog.Logger) FormService {
	return &formService{
		versions: versions,
		metrics:  m,
		log:      log.With().Str("component", "form_service").Logger(),
	}
}

// KnownFormType reports whether formType is managed by this service.
func KnownFormType(formType string) bool {
	for _, t := range FormTypes {
		if t == formType {
			return true
		}
	}
	return false
}

// CreateDraft allocates the next version for the trainee's form and stores it
// as a DRAFT at revision 1.
func (s *formService) CreateDraft(ctx context.Context, traineeID, formType string, content json.RawMessage) (*models.FormVersion, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	version, err := s.versions.Create(ctx, traineeID, formType, content)
	if err != nil {
		s.log.Error().Err(err).Str("trainee_id", traineeID).Str("form_type", formType).Msg("draft creation failed")
		return nil, fmt.Errorf("creating draft: %w", err)
	}
	return version, nil
}

// GetVersion loads a single stored version.
func (s *formService) GetVersion(ctx context.Context, traineeID, formType string, versionID int64) (*models.FormVersion, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}
	version, err := s.versions.Get(ctx, models.FormVersionKey{TraineeID: traineeID, FormType: formType, VersionID: versionID})
	if err != nil {
		if errors.Is(err, repository.ErrVersionNotFound) {
			return nil, ErrFormNotFound
		}
		return nil, fmt.Errorf("loading version: %w", err)
	}
	return version, nil
}

// ListVersions lists the trainee's versions of one form type, newest first.
func (s *formService) ListVersions(ctx context.Context, traineeID, formType string, limit, offset int) ([]models.FormVersion, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}
	versions, err := s.versions.ListByTrainee(ctx, traineeID, formType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return versions, nil
}

// UpdateDraftContent replaces a draft's content. Once a version has left
// DRAFT its content is frozen; edits must create a new version instead.
func (s *formService) UpdateDraftContent(
	ctx context.Context,
	traineeID, formType string,
	versionID, expectedRevision int64,
	content json.RawMessage,
) (*models.FormVersion, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	key := models.FormVersionKey{TraineeID: traineeID, FormType: formType, VersionID: versionID}
	version, err := s.versions.CompareAndUpdate(ctx, key, expectedRevision, func(v *models.FormVersion) error {
		if v.State != lifecycle.StateDraft {
			return ErrContentFrozen
		}
		v.Content = content
		return nil
	})
	if err != nil {
		return nil, s.translateWriteError(err)
	}
	return version, nil
}

// ApplyTransition validates the requested lifecycle event against the stored
// state and commits the transition with its outbox event in one atomic unit.
func (s *formService) ApplyTransition(
	ctx context.Context,
	traineeID, formType string,
	versionID, expectedRevision int64,
	event lifecycle.Event,
) (*models.FormVersion, error) {
	if !KnownFormType(formType) {
		return nil, ErrUnknownFormType
	}

	key := models.FormVersionKey{TraineeID: traineeID, FormType: formType, VersionID: versionID}
	version, err := s.versions.CompareAndUpdate(ctx, key, expectedRevision, func(v *models.FormVersion) error {
		if event == lifecycle.EventSubmit {
			if verr := validateSubmittableContent(v.Content); verr != nil {
				return verr
			}
		}
		next, terr := lifecycle.Transition(v.State, event)
		if terr != nil {
			return terr
		}
		v.State = next
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleRevision) {
			// Return the authoritative state so the caller can decide how to
			// retry.
			current, getErr := s.versions.Get(ctx, key)
			if getErr != nil {
				return nil, ErrStaleRevision
			}
			return current, ErrStaleRevision
		}
		return nil, s.translateWriteError(err)
	}

	s.metrics.TransitionsTotal.WithLabelValues(formType, string(version.State)).Inc()
	s.log.Info().
		Str("trainee_id", traineeID).
		Str("form_type", formType).
		Int64("version_id", versionID).
		Str("event", string(event)).
		Str("to_state", string(version.State)).
		Msg("lifecycle transition applied")
	return version, nil
}

// translateWriteError maps repository errors onto service errors, passing
// caller mistakes (invalid transitions, frozen content) through unmodified.
func (s *formService) translateWriteError(err error) error {
	switch {
	case errors.Is(err, repository.ErrVersionNotFound):
		return ErrFormNotFound
	case errors.Is(err, repository.ErrStaleRevision):
		return ErrStaleRevision
	default:
		return err
	}
}

// validateContent checks the payload is a well-formed JSON object. The core
// does not interpret the schema beyond this.
func validateContent(content json.RawMessage) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidContent
	}
	return nil
}

// validateSubmittableContent additionally requires at least one populated
// field before the submit transition is allowed.
func validateSubmittableContent(content json.RawMessage) error {
	if err := validateContent(content); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil || len(fields) == 0 {
		return ErrInvalidContent
	}
	return nil
}

// Form service errors.
var (
	ErrFormNotFound    = errors.New("form version not found")
	ErrStaleRevision   = errors.New("revision is stale, reload and retry")
	ErrUnknownFormType = errors.New("unknown form type")
	ErrInvalidContent  = errors.New("form content is not a valid JSON object")
	ErrContentFrozen   = errors.New("content is frozen after submission")
)
