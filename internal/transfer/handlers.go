package transfer

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/erp"
)

// Input is the body of POST /api/v1/transfers.
type Input struct {
	Invoice string `json:"invoice" validate:"required,max=140"`
}

// Handler exposes transfer operations over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Initiate starts a transfer and payout for an invoice.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "transfer service not configured", nil)
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
	res, err := h.Svc.Initiate(r.Context(), in.Invoice)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, res)
}

// Status reports the provider status of a transfer or payout reference.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "transfer service not configured", nil)
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" || reference == erp.FailedReference {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "a provider reference is required", nil)
		return
	}
	st, err := h.Svc.CheckStatus(r.Context(), strings.TrimSpace(r.URL.Query().Get("account")), reference)
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, st)
}

type logView struct {
	Name             string `json:"name"`
	ReferenceID      string `json:"reference_id"`
	Status           string `json:"status"`
	ReferenceDoctype string `json:"reference_doctype"`
	ReferenceName    string `json:"reference_name"`
	Account          string `json:"account"`
	CreatedAt        string `json:"created_at"`
}

// Logs lists the transfer log of an invoice.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "transfer service not configured", nil)
		return
	}
	invoice := strings.TrimSpace(r.URL.Query().Get("invoice"))
	if invoice == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invoice is required", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	logs, err := h.Svc.Logs(r.Context(), invoice, perPage, common.Offset(page, perPage))
	if err != nil {
		common.JSONAppError(w, err)
		return
	}
	out := make([]logView, 0, len(logs))
	for _, l := range logs {
		out = append(out, logView{
			Name:             l.Name,
			ReferenceID:      l.ReferenceID,
			Status:           string(l.Status),
			ReferenceDoctype: l.ReferenceDoctype,
			ReferenceName:    l.ReferenceName,
			Account:          l.Account,
			CreatedAt:        l.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       out,
		"pagination": common.Pagination{Page: page, PerPage: perPage, Count: len(out)},
	})
}
