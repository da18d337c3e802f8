package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Transactions are fully
// serialized by one mutex, which is a strict superset of the row locks the
// Postgres store takes. A failed transaction restores the state it started
// from.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	accounts    map[string]model.Account
	positions   map[string]model.Position
	instruments map[string]model.Instrument
	ibRels      map[string]model.IbRelationship
	ledger      []model.LedgerEntry
	trades      []model.TradeRecord
	commissions []model.CommissionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			accounts:    make(map[string]model.Account),
			positions:   make(map[string]model.Position),
			instruments: make(map[string]model.Instrument),
			ibRels:      make(map[string]model.IbRelationship),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the timestamp source used for created/updated columns.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s memState) clone() memState {
	out := memState{
		accounts:    make(map[string]model.Account, len(s.accounts)),
		positions:   make(map[string]model.Position, len(s.positions)),
		instruments: make(map[string]model.Instrument, len(s.instruments)),
		ibRels:      make(map[string]model.IbRelationship, len(s.ibRels)),
		ledger:      s.ledger[:len(s.ledger):len(s.ledger)],
		trades:      s.trades[:len(s.trades):len(s.trades)],
		commissions: s.commissions[:len(s.commissions):len(s.commissions)],
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.positions {
		out.positions[k] = v
	}
	for k, v := range s.instruments {
		out.instruments[k] = v
	}
	for k, v := range s.ibRels {
		out.ibRels[k] = v
	}
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.clone()
	defer func() {
		if r := recover(); r != nil {
			s.state = saved
			panic(r)
		}
		if err != nil {
			s.state = saved
		}
	}()
	return fn(ctx, &memTx{s: s})
}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) st() *memState { return &t.s.state }

func (t *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := t.st().accounts[a.ID]; ok {
		return apperr.Conflict("account " + a.ID + " already exists")
	}
	now := t.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	t.st().accounts[a.ID] = *a
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (model.Account, error) {
	a, ok := t.st().accounts[id]
	if !ok {
		return model.Account{}, apperr.NotFound("account", id)
	}
	return a, nil
}

func (t *memTx) LockAccount(ctx context.Context, id string) (model.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) ListAccountsByOwner(_ context.Context, ownerID string) ([]model.Account, error) {
	var out []model.Account
	for _, a := range t.st().accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) UpdateAccountBalance(_ context.Context, id string, balance decimal.Decimal) error {
	a, ok := t.st().accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	a.Balance = balance
	a.UpdatedAt = t.s.now()
	t.st().accounts[id] = a
	return nil
}

func (t *memTx) UpdateAccountStatus(_ context.Context, id string, status types.AccountStatus) error {
	a, ok := t.st().accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	a.Status = status
	a.UpdatedAt = t.s.now()
	t.st().accounts[id] = a
	return nil
}

func (t *memTx) UpdateAccountLeverage(_ context.Context, id string, leverage int) error {
	a, ok := t.st().accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	a.Leverage = leverage
	a.UpdatedAt = t.s.now()
	t.st().accounts[id] = a
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReferenceID != "" {
		for _, existing := range t.st().ledger {
			if existing.AccountID == e.AccountID && existing.ReferenceType == e.ReferenceType && existing.ReferenceID == e.ReferenceID {
				return apperr.Conflict("duplicate ledger reference " + e.ReferenceType + ":" + e.ReferenceID)
			}
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now()
	}
	t.st().ledger = append(t.st().ledger, *e)
	return nil
}

func (t *memTx) LastLedgerEntry(_ context.Context, accountID string) (model.LedgerEntry, bool, error) {
	for i := len(t.st().ledger) - 1; i >= 0; i-- {
		if t.st().ledger[i].AccountID == accountID {
			return t.st().ledger[i], true, nil
		}
	}
	return model.LedgerEntry{}, false, nil
}

func (t *memTx) FindLedgerEntryByReference(_ context.Context, accountID, refType, refID string) (model.LedgerEntry, bool, error) {
	for _, e := range t.st().ledger {
		if e.AccountID == accountID && e.ReferenceType == refType && e.ReferenceID == refID {
			return e, true, nil
		}
	}
	return model.LedgerEntry{}, false, nil
}

func (t *memTx) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range t.st().ledger {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GetInstrument(_ context.Context, symbol string) (model.Instrument, error) {
	in, ok := t.st().instruments[symbol]
	if !ok {
		return model.Instrument{}, apperr.NotFound("instrument", symbol)
	}
	return in, nil
}

func (t *memTx) UpsertInstrument(_ context.Context, in model.Instrument) error {
	t.st().instruments[in.Symbol] = in
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := t.st().positions[p.ID]; ok {
		return apperr.Conflict("position " + p.ID + " already exists")
	}
	now := t.s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	t.st().positions[p.ID] = *p
	return nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (model.Position, error) {
	p, ok := t.st().positions[id]
	if !ok {
		return model.Position{}, apperr.NotFound("position", id)
	}
	return p, nil
}

func (t *memTx) LockPosition(ctx context.Context, id string) (model.Position, error) {
	return t.GetPosition(ctx, id)
}

func (t *memTx) TransitionPosition(_ context.Context, p model.Position, from types.PositionStatus) (bool, error) {
	cur, ok := t.st().positions[p.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	p.UpdatedAt = t.s.now()
	t.st().positions[p.ID] = p
	return true, nil
}

func (t *memTx) UpdatePositionMark(_ context.Context, id string, currentPrice, profit decimal.Decimal) (bool, error) {
	p, ok := t.st().positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return false, nil
	}
	p.CurrentPrice = currentPrice
	p.Profit = profit
	p.UpdatedAt = t.s.now()
	t.st().positions[id] = p
	return true, nil
}

func (t *memTx) AddPositionSwap(_ context.Context, id string, amount decimal.Decimal, day time.Time) (bool, error) {
	p, ok := t.st().positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return false, nil
	}
	day = SwapDay(day)
	if p.LastSwapOn != nil && !p.LastSwapOn.Before(day) {
		return false, nil
	}
	p.Swap = p.Swap.Add(amount)
	p.LastSwapOn = &day
	p.UpdatedAt = t.s.now()
	t.st().positions[id] = p
	return true, nil
}

func (t *memTx) sortedPositions(keep func(model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range t.st().positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *memTx) ListPositionsByAccount(_ context.Context, accountID string, status types.PositionStatus) ([]model.Position, error) {
	return t.sortedPositions(func(p model.Position) bool {
		return p.AccountID == accountID && (status == "" || p.Status == status)
	}), nil
}

func (t *memTx) ListPositionsByStatus(_ context.Context, status types.PositionStatus, after Cursor, limit int) ([]model.Position, error) {
	out := t.sortedPositions(func(p model.Position) bool { return p.Status == status && after.Before(p) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListAccountsWithOpenPositions(_ context.Context, afterID string, limit int) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range t.st().positions {
		if p.Status != types.PositionStatusOpen || p.AccountID <= afterID {
			continue
		}
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		out = append(out, p.AccountID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListPendingCreatedBefore(_ context.Context, before time.Time, after Cursor, limit int) ([]model.Position, error) {
	out := t.sortedPositions(func(p model.Position) bool {
		return p.Status == types.PositionStatusPending && p.CreatedAt.Before(before) && after.Before(p)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeleteTerminalPositions(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, p := range t.st().positions {
		if !p.Status.Terminal() || !p.UpdatedAt.Before(before) {
			continue
		}
		delete(t.st().positions, id)
		n++
	}
	return n, nil
}

func (t *memTx) InsertTradeRecord(_ context.Context, r *model.TradeRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	t.st().trades = append(t.st().trades, *r)
	return nil
}

func (t *memTx) ListTradeRecords(_ context.Context, accountID string) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	for _, r := range t.st().trades {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) CreateIbRelationship(_ context.Context, r *model.IbRelationship) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.s.now()
	}
	t.st().ibRels[r.ID] = *r
	return nil
}

func (t *memTx) GetActiveIbRelationship(_ context.Context, clientUserID string) (model.IbRelationship, error) {
	var found *model.IbRelationship
	for _, r := range t.st().ibRels {
		if r.ClientUserID != clientUserID || !r.Active() {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			rel := r
			found = &rel
		}
	}
	if found == nil {
		return model.IbRelationship{}, apperr.NotFound("ib relationship for client", clientUserID)
	}
	return *found, nil
}

func (t *memTx) InsertCommissionRecord(_ context.Context, r *model.CommissionRecord) (bool, error) {
	for _, existing := range t.st().commissions {
		if existing.RelationshipID == r.RelationshipID && existing.TradeID == r.TradeID {
			return false, nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.s.now()
	}
	t.st().commissions = append(t.st().commissions, *r)
	return true, nil
}

func (t *memTx) ListCommissionRecords(_ context.Context, relationshipID string) ([]model.CommissionRecord, error) {
	var out []model.CommissionRecord
	for _, r := range t.st().commissions {
		if relationshipID == "" || r.RelationshipID == relationshipID {
			out = append(out, r)
		}
	}
	return out, nil
}
