package audit

import (
	"net/http"
	"strings"

	"github.com/noah-isme/paybridge/internal/common"
)

// Handler exposes HTTP endpoints for working with audited webhook events.
type Handler struct {
	Store Store
}

// List returns a paginated list of webhook events, optionally filtered by
// invoice and outcome.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50)
	q := r.URL.Query()
	rows, err := h.Store.ListEvents(r.Context(), Filter{
		Invoice: strings.TrimSpace(q.Get("invoice")),
		Outcome: strings.ToLower(strings.TrimSpace(q.Get("outcome"))),
		Limit:   perPage,
		Offset:  common.Offset(page, perPage),
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_LIST_FAILED", "could not list webhook events", nil)
		return
	}
	if rows == nil {
		rows = []Entry{}
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       rows,
		"pagination": common.Pagination{Page: page, PerPage: perPage, Count: len(rows)},
	})
}
