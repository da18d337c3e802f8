// Package store defines the persistence port of the margin engine.
// PostgreSQL is the production implementation; the in-memory store backs
// tests and local runs.
//
// Every balance or status mutation happens inside InTx. Lock* methods take
// an exclusive row lock that is held until the transaction ends; that lock
// is the only concurrency control the engine relies on.
package store

import (
	"context"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// Cursor is a keyset position in (created_at, id) order. The zero value
// starts from the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(p model.Position) Cursor {
	return Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

// Before reports whether the cursor sorts strictly before p.
func (c Cursor) Before(p model.Position) bool {
	if c.ID == "" {
		return true
	}
	if p.CreatedAt.Equal(c.CreatedAt) {
		return c.ID < p.ID
	}
	return c.CreatedAt.Before(p.CreatedAt)
}

// SwapDay truncates t to its UTC calendar day.
func SwapDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Store interface {
	// InTx runs fn inside one transaction. A non-nil error from fn rolls
	// everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// --- Accounts ---

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	// LockAccount reads the account and holds an exclusive lock on its row.
	LockAccount(ctx context.Context, id string) (model.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error
	UpdateAccountStatus(ctx context.Context, id string, status types.AccountStatus) error
	UpdateAccountLeverage(ctx context.Context, id string, leverage int) error

	// --- Ledger (append-only) ---

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	LastLedgerEntry(ctx context.Context, accountID string) (model.LedgerEntry, bool, error)
	FindLedgerEntryByReference(ctx context.Context, accountID, refType, refID string) (model.LedgerEntry, bool, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Instruments ---

	GetInstrument(ctx context.Context, symbol string) (model.Instrument, error)
	UpsertInstrument(ctx context.Context, in model.Instrument) error

	// --- Positions ---

	InsertPosition(ctx context.Context, p *model.Position) error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	LockPosition(ctx context.Context, id string) (model.Position, error)
	// TransitionPosition writes p only if the stored status still equals
	// from. It reports whether the row was updated.
	TransitionPosition(ctx context.Context, p model.Position, from types.PositionStatus) (bool, error)
	// UpdatePositionMark refreshes current price and profit of an open
	// position. Non-open rows are left untouched.
	UpdatePositionMark(ctx context.Context, id string, currentPrice, profit decimal.Decimal) (bool, error)
	// AddPositionSwap adds amount to an open position and stamps day as its
	// last rollover. It reports false when the position is no longer open or
	// was already charged for day or a later day.
	AddPositionSwap(ctx context.Context, id string, amount decimal.Decimal, day time.Time) (bool, error)
	ListPositionsByAccount(ctx context.Context, accountID string, status types.PositionStatus) ([]model.Position, error)
	// ListPositionsByStatus pages through positions in (created_at, id)
	// order, starting strictly after the cursor.
	ListPositionsByStatus(ctx context.Context, status types.PositionStatus, after Cursor, limit int) ([]model.Position, error)
	// ListAccountsWithOpenPositions pages through account ids in id order,
	// starting strictly after afterID.
	ListAccountsWithOpenPositions(ctx context.Context, afterID string, limit int) ([]string, error)
	ListPendingCreatedBefore(ctx context.Context, before time.Time, after Cursor, limit int) ([]model.Position, error)
	DeleteTerminalPositions(ctx context.Context, before time.Time) (int64, error)

	// --- Trade history ---

	InsertTradeRecord(ctx context.Context, r *model.TradeRecord) error
	ListTradeRecords(ctx context.Context, accountID string) ([]model.TradeRecord, error)

	// --- Introducing brokers ---

	CreateIbRelationship(ctx context.Context, r *model.IbRelationship) error
	GetActiveIbRelationship(ctx context.Context, clientUserID string) (model.IbRelationship, error)
	// InsertCommissionRecord reports false when a record for the same
	// relationship and trade already exists.
	InsertCommissionRecord(ctx context.Context, r *model.CommissionRecord) (bool, error)
	ListCommissionRecords(ctx context.Context, relationshipID string) ([]model.CommissionRecord, error)
}
