package positions

import (
	"net/http"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc      *Service
	accounts *accounts.Service
}

func NewHandler(svc *Service, accountSvc *accounts.Service) *Handler {
	return &Handler{svc: svc, accounts: accountSvc}
}

type openRequest struct {
	AccountID    string             `json:"account_id"`
	Symbol       string             `json:"symbol"`
	Side         types.PositionSide `json:"side"`
	LotSize      decimal.Decimal    `json:"lot_size"`
	OrderType    types.OrderType    `json:"order_type"`
	TriggerPrice *decimal.Decimal   `json:"trigger_price"`
	StopLoss     *decimal.Decimal   `json:"stop_loss"`
	TakeProfit   *decimal.Decimal   `json:"take_profit"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	var req openRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if _, err := h.accounts.Authorize(r.Context(), actor, req.AccountID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	pos, err := h.svc.Open(r.Context(), OpenRequest{
		AccountID:    req.AccountID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		LotSize:      req.LotSize,
		OrderType:    req.OrderType,
		TriggerPrice: req.TriggerPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Actor:        actor,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pos)
}

// owned loads the position in the URL and checks it belongs to actor.
func (h *Handler) owned(r *http.Request, actor ledger.Actor) (model.Position, error) {
	pos, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return model.Position{}, err
	}
	if _, err := h.accounts.Authorize(r.Context(), actor, pos.AccountID); err != nil {
		return model.Position{}, err
	}
	return pos, nil
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	pos, err := h.owned(r, actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	pos, err := h.owned(r, actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.svc.Close(r.Context(), pos.ID, types.CloseReasonManual, actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	pos, err := h.owned(r, actor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	pos, err = h.svc.Cancel(r.Context(), pos.ID, types.CloseReasonManual)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

// List serves GET /accounts/{id}/positions with an optional status filter.
func (h *Handler) List(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	acc, err := h.accounts.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.svc.List(r.Context(), acc.ID, types.PositionStatus(r.URL.Query().Get("status")))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if list == nil {
		list = []model.Position{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, actor ledger.Actor) {
	acc, err := h.accounts.Authorize(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	trades, err := h.svc.History(r.Context(), acc.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}

func (h *Handler) Instrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.Instrument(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

func (h *Handler) UpdateInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentUpdate
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	inst, err := h.svc.UpdateInstrument(r.Context(), chi.URLParam(r, "symbol"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}
