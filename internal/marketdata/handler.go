package marketdata

import (
	"net/http"

	"lv-marginbook/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	feed Feed
}

func NewHandler(feed Feed) *Handler {
	return &Handler{feed: feed}
}

// Quote returns the latest tick for the symbol in the path, or 503 when the
// feed has nothing fresh.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	symbol := NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol is required", Code: "VALIDATION"})
		return
	}
	tick, err := h.feed.LatestTick(symbol)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tick)
}
