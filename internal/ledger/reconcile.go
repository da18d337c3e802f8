package ledger

import (
	"context"
	"fmt"

	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"

	"github.com/shopspring/decimal"
)

// Reconciliation compares an account balance with the sum of its ledger
// and checks the entry chain.
type Reconciliation struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	LedgerTotal decimal.Decimal `json:"ledger_total"`
	Entries     int             `json:"entries"`
	Balanced    bool            `json:"balanced"`
	ChainValid  bool            `json:"chain_valid"`
	Problems    []string        `json:"problems,omitempty"`
}

func (r Reconciliation) OK() bool {
	return r.Balanced && r.ChainValid
}

func (s *Service) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	var acc model.Account
	var entries []model.LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if acc, err = tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		entries, err = tx.ListLedgerEntries(ctx, accountID)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return Verify(acc, entries), nil
}

// Verify checks Σ change == balance, the running balance of every entry
// and the per-account hash chain.
func Verify(acc model.Account, entries []model.LedgerEntry) Reconciliation {
	rec := Reconciliation{
		AccountID:   acc.ID,
		Balance:     acc.Balance,
		LedgerTotal: decimal.Zero,
		Entries:     len(entries),
		ChainValid:  true,
	}
	running := decimal.Zero
	prevHash := ""
	continuous := true
	for i, e := range entries {
		rec.LedgerTotal = rec.LedgerTotal.Add(e.ChangeAmount)
		if !e.PreviousBalance.Equal(running) {
			continuous = false
			rec.Problems = append(rec.Problems, fmt.Sprintf("entry %d: previous balance %s, expected %s", e.Sequence, e.PreviousBalance.StringFixed(margin.MoneyPlaces), running.StringFixed(margin.MoneyPlaces)))
		}
		if !e.PreviousBalance.Add(e.ChangeAmount).Equal(e.NewBalance) {
			continuous = false
			rec.Problems = append(rec.Problems, fmt.Sprintf("entry %d: previous + change != new", e.Sequence))
		}
		if e.Sequence != int64(i+1) {
			rec.ChainValid = false
			rec.Problems = append(rec.Problems, fmt.Sprintf("entry %s: sequence %d, expected %d", e.ID, e.Sequence, i+1))
		}
		if e.PrevHash != prevHash || computeHash(e) != e.Hash {
			rec.ChainValid = false
			rec.Problems = append(rec.Problems, fmt.Sprintf("entry %d: hash chain broken", e.Sequence))
		}
		running = e.NewBalance
		prevHash = e.Hash
	}
	rec.Balanced = rec.LedgerTotal.Equal(acc.Balance) && running.Equal(acc.Balance) && continuous
	return rec
}
