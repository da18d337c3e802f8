package accounts

import (
	"net/http"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	accounts, err := h.svc.List(r.Context(), actor.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	var req struct {
		OwnerID        string          `json:"owner_id"`
		Currency       string          `json:"currency"`
		Leverage       *int            `json:"leverage"`
		InitialDeposit decimal.Decimal `json:"initial_deposit"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner := actor.ID
	if actor.Type == types.ActorAdmin {
		if req.OwnerID != "" {
			owner = req.OwnerID
		}
	} else if !req.InitialDeposit.IsZero() || (req.OwnerID != "" && req.OwnerID != actor.ID) {
		httputil.WriteError(w, apperr.Validation("owner_id and initial_deposit are reserved for administrators"))
		return
	}
	acc, err := h.svc.Open(r.Context(), OpenRequest{
		OwnerID:        owner,
		Currency:       req.Currency,
		Leverage:       req.Leverage,
		InitialDeposit: req.InitialDeposit,
		Actor:          actor,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	acc, err := h.svc.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	acc, err := h.svc.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	summary, err := h.svc.Summary(r.Context(), acc.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

type movementBody struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// Deposit is reserved for administrators and the payment integration.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	var req movementBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err := h.svc.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.svc.Deposit(r.Context(), MovementRequest{AccountID: acc.ID, Amount: req.Amount, Reference: req.Reference, Actor: actor})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	var req movementBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err := h.svc.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.svc.Withdraw(r.Context(), MovementRequest{AccountID: acc.ID, Amount: req.Amount, Reference: req.Reference, Actor: actor})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) UpdateLeverage(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	var req struct {
		Leverage int `json:"leverage"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err := h.svc.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err = h.svc.UpdateLeverage(r.Context(), acc.ID, req.Leverage)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

// SetStatus is an administrative route.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.AccountStatus `json:"status"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err := h.svc.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}
