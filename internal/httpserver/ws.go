package httpserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/metrics"
	"lv-marginbook/internal/types"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WSHandler streams engine events to a client. Users receive the events of
// their own accounts; administrators receive everything. Quotes are sent
// only when requested with ?quotes=1.
type WSHandler struct {
	bus      *events.Bus
	verifier *auth.Verifier
	accounts *accounts.Service
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *events.Bus, verifier *auth.Verifier, accountSvc *accounts.Service, origin string) *WSHandler {
	return &WSHandler{
		bus:      bus,
		verifier: verifier,
		accounts: accountSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	reqOrigin := r.Header.Get("Origin")
	if origin == "*" || reqOrigin == "" {
		return true
	}
	return strings.EqualFold(reqOrigin, origin)
}

// accountFilter remembers which account ids belong to the connected actor.
type accountFilter struct {
	mu      sync.Mutex
	actor   ledger.Actor
	known   map[string]bool
	resolve func(accountID string) bool
}

func (f *accountFilter) allows(accountID string) bool {
	if f.actor.Type == types.ActorAdmin {
		return true
	}
	if accountID == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, seen := f.known[accountID]
	if !seen {
		ok = f.resolve(accountID)
		f.known[accountID] = ok
	}
	return ok
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	actor := claims.Actor()
	wantQuotes := r.URL.Query().Get("quotes") == "1"

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()

	ctx := r.Context()
	filter := &accountFilter{
		actor: actor,
		known: map[string]bool{},
		resolve: func(accountID string) bool {
			_, err := h.accounts.Authorize(ctx, actor, accountID)
			return err == nil
		},
	}

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Type == events.TypeQuote {
				if !wantQuotes {
					continue
				}
			} else if !filter.allows(evt.AccountID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
