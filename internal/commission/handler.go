package commission

import (
	"net/http"

	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/model"

	"github.com/shopspring/decimal"
)

// Handler exposes IB administration. Both routes sit behind the admin guard.
type Handler struct {
	dist *Distributor
}

func NewHandler(dist *Distributor) *Handler {
	return &Handler{dist: dist}
}

func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IbUserID       string          `json:"ib_user_id"`
		ClientUserID   string          `json:"client_user_id"`
		CommissionRate decimal.Decimal `json:"commission_rate"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	rel, err := h.dist.Link(r.Context(), req.IbUserID, req.ClientUserID, req.CommissionRate)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rel)
}

func (h *Handler) Records(w http.ResponseWriter, r *http.Request) {
	recs, err := h.dist.Records(r.Context(), r.URL.Query().Get("relationship_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []model.CommissionRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}
