package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/oceangrid/internal/errors"
	"github.com/3leaps/oceangrid/pkg/runregistry"
)

// RunsHandler serves run records from a run registry.
type RunsHandler struct {
	Store *runregistry.Store
}

// List handles GET /runs. An optional ?state= filters by run state.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.List()
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list runs"))
		return
	}
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		filtered := runs[:0]
		for _, rec := range runs {
			if string(rec.State) == state {
				filtered = append(filtered, rec)
			}
		}
		runs = filtered
	}
	if runs == nil {
		runs = []runregistry.RunRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, runs)
}

// Get handles GET /runs/{runID}; unambiguous id prefixes resolve.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.Store.Resolve(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.NewNotFoundError("run not found"), err))
		return
	}
	rec, err := h.Store.Get(id)
	if err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.NewNotFoundError("run not found"), err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}
