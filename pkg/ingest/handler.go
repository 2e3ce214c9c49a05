package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/httpx"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

// Handler exposes the ingester over HTTP
type Handler struct {
	ingester *Ingester
}

// NewHandler creates a new ingest handler
func NewHandler(ingester *Ingester) *Handler {
	return &Handler{ingester: ingester}
}

// IngestRequest represents the request payload
type IngestRequest struct {
	Readings []reliability.Reading `json:"readings"`
}

// EntitiesRequest represents the catalog payload
type EntitiesRequest struct {
	Entities []reliability.Entity `json:"entities"`
}

// HandleIngest handles POST /v1/ingest
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if status, err := httpx.DecodeJSON(w, r, config.IngestMaxBodyBytes, &req); err != nil {
		httpx.RespondError(w, status, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	res, err := h.ingester.Ingest(ctx, req.Readings)
	switch {
	case errors.Is(err, ErrTooManyReadings):
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, ErrStorageFull):
		httpx.RespondError(w, http.StatusInsufficientStorage, err)
		return
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if res.Accepted == 0 && (res.Rejected > 0 || res.Late > 0) {
		status = http.StatusUnprocessableEntity
	}
	httpx.RespondJSON(w, status, res)
}

// HandleEntities handles PUT /v1/entities
func (h *Handler) HandleEntities(w http.ResponseWriter, r *http.Request) {
	var req EntitiesRequest
	if status, err := httpx.DecodeJSON(w, r, config.IngestMaxBodyBytes, &req); err != nil {
		httpx.RespondError(w, status, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if err := h.ingester.RegisterEntities(ctx, req.Entities); err != nil {
		var verrs validator.ValidationErrors
		if errors.Is(err, ErrTooManyEntities) || errors.As(err, &verrs) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int{"registered": len(req.Entities)})
}
