package model

import (
	"time"

	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID        string              `json:"id"`
	OwnerID   string              `json:"owner_id"`
	Balance   decimal.Decimal     `json:"balance"`
	Currency  string              `json:"currency"`
	Leverage  int                 `json:"leverage"`
	Status    types.AccountStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// LedgerEntry is append-only. PrevHash links it to the previous entry of
// the same account.
type LedgerEntry struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	PreviousBalance decimal.Decimal   `json:"previous_balance"`
	NewBalance      decimal.Decimal   `json:"new_balance"`
	ChangeAmount    decimal.Decimal   `json:"change_amount"`
	ChangeType      types.ChangeType  `json:"change_type"`
	PerformedByType types.ActorType   `json:"performed_by_type"`
	PerformedByID   string            `json:"performed_by_id"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	ReferenceType   string            `json:"reference_type,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Sequence        int64             `json:"sequence"`
	PrevHash        string            `json:"prev_hash,omitempty"`
	Hash            string            `json:"hash"`
	CreatedAt       time.Time         `json:"created_at"`
}

type IbRelationship struct {
	ID             string          `json:"id"`
	IbUserID       string          `json:"ib_user_id"`
	ClientUserID   string          `json:"client_user_id"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (r IbRelationship) Active() bool {
	return r.Status == "active"
}

type CommissionRecord struct {
	ID             string                 `json:"id"`
	RelationshipID string                 `json:"relationship_id"`
	TradeID        string                 `json:"trade_id"`
	Amount         decimal.Decimal        `json:"amount"`
	Rate           decimal.Decimal        `json:"rate"`
	Volume         decimal.Decimal        `json:"volume"`
	Status         types.CommissionStatus `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
}
