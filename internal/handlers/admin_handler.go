package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/services"
)

// Refresher stages a re-announcement event for every stored version of a
// form type. Implemented by the outbox publisher.
type Refresher interface {
	Refresh(ctx context.Context, formType string) (int64, error)
}

// AdminHandler serves operational endpoints that are not trainee-facing.
type AdminHandler struct {
	refresher Refresher
	log       zerolog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(refresher Refresher, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		refresher: refresher,
		log:       log.With().Str("component", "admin_handler").Logger(),
	}
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/forms/{formType}/refresh", h.RefreshFormType)
	return r
}

type refreshResponse struct {
	FormType string `json:"formType"`
	Staged   int64  `json:"staged"`
}

// RefreshFormType handles POST /forms/{formType}/refresh. The events are
// staged synchronously; delivery happens through the ordinary drain loop.
func (h *AdminHandler) RefreshFormType(w http.ResponseWriter, r *http.Request) {
	formType := chi.URLParam(r, "formType")

	staged, err := h.refresher.Refresh(r.Context(), formType)
	if err != nil {
		if errors.Is(err, services.ErrUnknownFormType) {
			http.Error(w, "unknown form type", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("form_type", formType).Msg("refresh failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.log.Info().Str("form_type", formType).Int64("staged", staged).Msg("refresh requested")
	if err = writeJSON(w, http.StatusAccepted, refreshResponse{FormType: formType, Staged: staged}); err != nil {
		h.log.Warn().Err(err).Msg("encoding response failed")
	}
}
