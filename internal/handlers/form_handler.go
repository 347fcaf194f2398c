// Package handlers exposes the form lifecycle API over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
	"github.com/Health-Education-England/tis-trainee-forms/internal/middleware"
	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
)

// Request bodies exceeding this are rejected outright.
const maxBodyBytes = 1 << 20

// FormHandler serves the trainee-facing form endpoints.
type FormHandler struct {
	forms     services.FormService
	snapshots services.SnapshotService
	log       zerolog.Logger
}

// NewFormHandler creates a FormHandler.
func NewFormHandler(forms services.FormService, snapshots services.SnapshotService, log zerolog.Logger) *FormHandler {
	return &FormHandler{
		forms:     forms,
		snapshots: snapshots,
		log:       log.With().Str("component", "form_handler").Logger(),
	}
}

// Routes mounts the form endpoints on a chi router. The caller wraps the
// result in the authentication middleware.
func (h *FormHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{formType}", func(r chi.Router) {
		r.Post("/", h.CreateDraft)
		r.Get("/", h.ListVersions)
		r.Route("/{versionID}", func(r chi.Router) {
			r.Get("/", h.GetVersion)
			r.Put("/", h.UpdateDraftContent)
			r.Post("/transitions", h.ApplyTransition)
			r.Get("/pdf", h.GetSnapshot)
		})
	})
	return r
}

type updateContentRequest struct {
	ExpectedRevision int64           `json:"expectedRevision"`
	Content          json.RawMessage `json:"content"`
}

type transitionRequest struct {
	ExpectedRevision int64  `json:"expectedRevision"`
	Event            string `json:"event"`
}

// staleRevisionResponse tells the losing writer where the record actually is
// so it can re-read, reconcile and retry.
type staleRevisionResponse struct {
	Error   string              `json:"error"`
	Current *models.FormVersion `json:"current,omitempty"`
}

// CreateDraft handles POST /{formType}: store the request body as the next
// draft version for the authenticated trainee.
func (h *FormHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading request body failed", http.StatusBadRequest)
		return
	}

	version, err := h.forms.CreateDraft(r.Context(), traineeID, chi.URLParam(r, "formType"), content)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, version)
}

// GetVersion handles GET /{formType}/{versionID}.
func (h *FormHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	versionID, err := parseVersionID(r)
	if err != nil {
		http.Error(w, "invalid version id", http.StatusBadRequest)
		return
	}

	version, err := h.forms.GetVersion(r.Context(), traineeID, chi.URLParam(r, "formType"), versionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, version)
}

// ListVersions handles GET /{formType}?limit=&offset=, newest first.
func (h *FormHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	versions, err := h.forms.ListVersions(r.Context(), traineeID, chi.URLParam(r, "formType"), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.FormVersion{}
	}
	h.writeJSON(w, http.StatusOK, versions)
}

// UpdateDraftContent handles PUT /{formType}/{versionID}: replace a draft's
// content, guarded by the caller's expected revision.
func (h *FormHandler) UpdateDraftContent(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	versionID, err := parseVersionID(r)
	if err != nil {
		http.Error(w, "invalid version id", http.StatusBadRequest)
		return
	}

	var req updateContentRequest
	if err = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	version, err := h.forms.UpdateDraftContent(r.Context(), traineeID, chi.URLParam(r, "formType"), versionID, req.ExpectedRevision, req.Content)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, version)
}

// ApplyTransition handles POST /{formType}/{versionID}/transitions with a
// body of {"event": "...", "expectedRevision": N}.
func (h *FormHandler) ApplyTransition(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	versionID, err := parseVersionID(r)
	if err != nil {
		http.Error(w, "invalid version id", http.StatusBadRequest)
		return
	}

	var req transitionRequest
	if err = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	event := lifecycle.Event(req.Event)
	if !event.Valid() {
		http.Error(w, "unknown lifecycle event", http.StatusBadRequest)
		return
	}

	version, err := h.forms.ApplyTransition(r.Context(), traineeID, chi.URLParam(r, "formType"), versionID, req.ExpectedRevision, event)
	if err != nil {
		if errors.Is(err, services.ErrStaleRevision) {
			// version holds the authoritative state when the service could
			// load it, so the client can reconcile without another round trip.
			h.writeJSON(w, http.StatusConflict, staleRevisionResponse{
				Error:   "stale revision",
				Current: version,
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, version)
}

// GetSnapshot handles GET /{formType}/{versionID}/pdf, returning the
// rendered document with its fingerprint in an ETag header.
func (h *FormHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	traineeID, ok := middleware.GetTraineeIDFromContext(r.Context())
	if !ok {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	versionID, err := parseVersionID(r)
	if err != nil {
		http.Error(w, "invalid version id", http.StatusBadRequest)
		return
	}

	snapshot, err := h.snapshots.RequestSnapshot(r.Context(), traineeID, chi.URLParam(r, "formType"), versionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(snapshot.Bytes)))
	w.Header().Set("ETag", `"`+snapshot.ContentFingerprint+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(snapshot.Bytes); err != nil {
		h.log.Warn().Err(err).Msg("writing snapshot response failed")
	}
}

func (h *FormHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, services.ErrFormNotFound), errors.Is(err, services.ErrUnknownFormType):
		http.Error(w, "form not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidContent):
		http.Error(w, "invalid form content", http.StatusBadRequest)
	case errors.Is(err, services.ErrContentFrozen):
		http.Error(w, "version is no longer editable", http.StatusConflict)
	case errors.Is(err, services.ErrStaleRevision):
		h.writeJSON(w, http.StatusConflict, staleRevisionResponse{Error: "stale revision"})
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrRenderTimeout):
		http.Error(w, "document rendering timed out", http.StatusServiceUnavailable)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *FormHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	if err := writeJSON(w, status, body); err != nil {
		h.log.Warn().Err(err).Msg("encoding response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func parseVersionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "versionID"), 10, 64)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
