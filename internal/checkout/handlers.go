package checkout

import (
	"encoding/json"
	"net/http"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/paybridge/internal/common"
)

// Input is the body of POST /api/v1/checkout/sessions.
type Input struct {
	Invoice string `json:"invoice" validate:"required,max=140"`
}

// Handler exposes the checkout service over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Create issues a checkout session.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	if _, ok := common.UserID(r.Context()); !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := common.ValidateStruct(h.Validate, in); err != nil {
		common.JSONAppError(w, err)
		return
	}
	out, err := h.Svc.Create(r.Context(), in.Invoice)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, out)
}
