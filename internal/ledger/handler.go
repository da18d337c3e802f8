package ledger

import (
	"context"
	"net/http"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Gate decides whether actor may see or act on accountID.
type Gate func(ctx context.Context, actor Actor, accountID string) error

type Handler struct {
	svc  *Service
	gate Gate
}

func NewHandler(svc *Service, gate Gate) *Handler {
	if gate == nil {
		gate = func(context.Context, Actor, string) error { return nil }
	}
	return &Handler{svc: svc, gate: gate}
}

func (h *Handler) Entries(w http.ResponseWriter, r *http.Request, actor Actor) {
	id := chi.URLParam(r, "id")
	if err := h.gate(r.Context(), actor, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.svc.Entries(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request, actor Actor) {
	id := chi.URLParam(r, "id")
	if err := h.gate(r.Context(), actor, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.svc.Reconcile(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

type adjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Direction   types.Direction `json:"direction"`
	ReasonCode  string          `json:"reason_code"`
	Notes       string          `json:"notes"`
	Override    bool            `json:"override"`
	ReferenceID string          `json:"reference_id"`
}

// Adjust is mounted behind the admin guard.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request, actor Actor) {
	var req adjustRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.svc.Adjust(r.Context(), AdjustRequest{
		AccountID:   chi.URLParam(r, "id"),
		Amount:      req.Amount,
		Direction:   req.Direction,
		ReasonCode:  req.ReasonCode,
		Notes:       req.Notes,
		Actor:       actor,
		Override:    req.Override,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type movementRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// Deposit credits an account on behalf of the payment integration, which
// authenticates with the internal token. The reference makes retries safe.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Reference == "" {
		httputil.WriteError(w, apperr.Validation("reference is required"))
		return
	}
	res, err := h.svc.Credit(r.Context(), req.AccountID, req.Amount, Details{
		ChangeType:    types.ChangeTypeDeposit,
		Actor:         SystemActor,
		ReferenceType: "payment",
		ReferenceID:   req.Reference,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
