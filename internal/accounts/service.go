package accounts

import (
	"context"
	"log/slog"
	"strings"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Service struct {
	store     store.Store
	ledger    *ledger.Service
	valuator  *Valuator
	publisher events.Publisher
	logger    *slog.Logger
}

func NewService(st store.Store, ledgerSvc *ledger.Service, valuator *Valuator, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ledger: ledgerSvc, valuator: valuator, publisher: publisher, logger: logger}
}

var allowedLeverageValues = map[int]struct{}{
	0: {}, // unlimited
	2: {}, 5: {}, 10: {}, 20: {}, 30: {}, 40: {}, 50: {},
	100: {}, 200: {}, 500: {}, 1000: {}, 2000: {}, 3000: {},
}

const defaultLeverage = 100

func isAllowedLeverage(v int) bool {
	_, ok := allowedLeverageValues[v]
	return ok
}

type OpenRequest struct {
	OwnerID        string
	Currency       string
	Leverage       *int
	InitialDeposit decimal.Decimal
	Actor          ledger.Actor
}

// Open creates an account with a zero balance. A positive initial deposit
// is credited through the ledger in the same transaction.
func (s *Service) Open(ctx context.Context, req OpenRequest) (model.Account, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return model.Account{}, apperr.Validation("owner id is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return model.Account{}, apperr.Validation("currency must be a 3-letter code")
	}
	leverage := defaultLeverage
	if req.Leverage != nil {
		leverage = *req.Leverage
	}
	if !isAllowedLeverage(leverage) {
		return model.Account{}, apperr.Validation("unsupported leverage value; allowed: 0 (unlimited), 2, 5, 10, 20, 30, 40, 50, 100, 200, 500, 1000, 2000, 3000")
	}
	if req.InitialDeposit.IsNegative() {
		return model.Account{}, apperr.Validation("initial deposit cannot be negative")
	}
	if req.Actor.Type == "" {
		req.Actor = ledger.Actor{Type: types.ActorUser, ID: owner}
	}

	acc := model.Account{
		OwnerID:  owner,
		Balance:  decimal.Zero,
		Currency: currency,
		Leverage: leverage,
		Status:   types.AccountStatusActive,
	}
	var deposit ledger.Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateAccount(ctx, &acc); err != nil {
			return err
		}
		if !req.InitialDeposit.IsPositive() {
			return nil
		}
		res, err := s.ledger.ApplyTx(ctx, tx, ledger.Request{
			AccountID:     acc.ID,
			Amount:        req.InitialDeposit.Round(margin.MoneyPlaces),
			ChangeType:    types.ChangeTypeDeposit,
			Actor:         req.Actor,
			ReferenceType: "account_opening",
			ReferenceID:   acc.ID,
		})
		if err != nil {
			return err
		}
		deposit = res
		acc.Balance = res.NewBalance
		return nil
	})
	if err != nil {
		return model.Account{}, err
	}
	s.ledger.Announce(deposit)
	s.logger.Info("account opened", "account_id", acc.ID, "owner_id", owner, "leverage", leverage)
	return acc, nil
}

func (s *Service) Get(ctx context.Context, accountID string) (model.Account, error) {
	var acc model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, accountID)
		return err
	})
	return acc, err
}

func (s *Service) List(ctx context.Context, ownerID string) ([]model.Account, error) {
	var out []model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListAccountsByOwner(ctx, ownerID)
		return err
	})
	if out == nil {
		out = []model.Account{}
	}
	return out, err
}

// Authorize loads an account on behalf of actor. Users only see their own
// accounts; a foreign account is reported as not found.
func (s *Service) Authorize(ctx context.Context, actor ledger.Actor, accountID string) (model.Account, error) {
	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	if actor.Type == types.ActorAdmin || actor.Type == types.ActorSystem {
		return acc, nil
	}
	if actor.ID == "" || acc.OwnerID != actor.ID {
		return model.Account{}, apperr.NotFound("account", accountID)
	}
	return acc, nil
}

// Summary returns balance, equity, used and free margin, margin level and
// the open positions of an account.
func (s *Service) Summary(ctx context.Context, accountID string) (Summary, error) {
	var out Summary
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		out, err = s.valuator.SummaryTx(ctx, tx, acc)
		return err
	})
	return out, err
}

type MovementRequest struct {
	AccountID string
	Amount    decimal.Decimal
	Reference string
	Actor     ledger.Actor
}

func (s *Service) Deposit(ctx context.Context, req MovementRequest) (ledger.Result, error) {
	return s.ledger.Credit(ctx, req.AccountID, req.Amount, ledger.Details{
		ChangeType:    types.ChangeTypeDeposit,
		Actor:         req.Actor,
		ReferenceType: referenceType(req.Reference, "deposit"),
		ReferenceID:   req.Reference,
	})
}

// Withdraw debits the account. Only free margin may leave the account; the
// balance backing open positions stays.
func (s *Service) Withdraw(ctx context.Context, req MovementRequest) (ledger.Result, error) {
	if !req.Amount.IsPositive() {
		return ledger.Result{}, apperr.Validation("amount must be positive")
	}
	var res ledger.Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acc.Status != types.AccountStatusActive {
			return apperr.Conflict("account " + acc.ID + " is " + string(acc.Status))
		}
		summary, err := s.valuator.SummaryTx(ctx, tx, acc)
		if err != nil {
			return err
		}
		if len(summary.OpenPositions) > 0 && !margin.HasSufficientMargin(summary.FreeMargin, req.Amount) {
			return apperr.ErrInsufficientMargin
		}
		res, err = s.ledger.ApplyTx(ctx, tx, ledger.Request{
			AccountID:     req.AccountID,
			Amount:        req.Amount.Neg(),
			ChangeType:    types.ChangeTypeWithdrawal,
			Actor:         req.Actor,
			ReferenceType: referenceType(req.Reference, "withdrawal"),
			ReferenceID:   req.Reference,
		})
		return err
	})
	if err != nil {
		return ledger.Result{}, err
	}
	s.ledger.Announce(res)
	return res, nil
}

func referenceType(ref, kind string) string {
	if ref == "" {
		return ""
	}
	return kind
}

func (s *Service) SetStatus(ctx context.Context, accountID string, status types.AccountStatus) (model.Account, error) {
	if !status.Valid() {
		return model.Account{}, apperr.Validation("unknown account status " + string(status))
	}
	var acc model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if acc, err = tx.LockAccount(ctx, accountID); err != nil {
			return err
		}
		if status == types.AccountStatusInactive {
			open, err := tx.ListPositionsByAccount(ctx, accountID, types.PositionStatusOpen)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				return apperr.Conflict("cannot deactivate an account with open positions")
			}
		}
		acc.Status = status
		return tx.UpdateAccountStatus(ctx, accountID, status)
	})
	return acc, err
}

func (s *Service) UpdateLeverage(ctx context.Context, accountID string, leverage int) (model.Account, error) {
	if !isAllowedLeverage(leverage) {
		return model.Account{}, apperr.Validation("unsupported leverage value; allowed: 0 (unlimited), 2, 5, 10, 20, 30, 40, 50, 100, 200, 500, 1000, 2000, 3000")
	}
	var acc model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if acc, err = tx.LockAccount(ctx, accountID); err != nil {
			return err
		}
		open, err := tx.ListPositionsByAccount(ctx, accountID, types.PositionStatusOpen)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return apperr.Conflict("cannot change leverage while there are open positions; close them first")
		}
		acc.Leverage = leverage
		return tx.UpdateAccountLeverage(ctx, accountID, leverage)
	})
	return acc, err
}
