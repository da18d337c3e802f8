package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/metrics"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetaWrittenOff is the metadata key holding the part of a trade loss the
// account could not cover.
const MetaWrittenOff = "written_off"

const metaRequested = "requested_amount"

type Actor struct {
	Type types.ActorType
	ID   string
}

var SystemActor = Actor{Type: types.ActorSystem, ID: "system"}

// Request is one balance mutation. Amount is signed: positive credits,
// negative debits.
type Request struct {
	AccountID     string
	Amount        decimal.Decimal
	ChangeType    types.ChangeType
	Actor         Actor
	ReferenceType string
	ReferenceID   string
	Metadata      map[string]string
	// Override lets an administrative mutation drive the balance negative.
	Override bool
	// WriteOff clamps a debit to the available balance instead of failing.
	WriteOff bool
}

type Result struct {
	EntryID         string           `json:"entry_id"`
	AccountID       string           `json:"account_id"`
	PreviousBalance decimal.Decimal  `json:"previous_balance"`
	NewBalance      decimal.Decimal  `json:"new_balance"`
	Change          decimal.Decimal  `json:"change"`
	ChangeType      types.ChangeType `json:"change_type"`
	Replayed        bool             `json:"replayed"`
}

// Details carries the audit context of a credit or debit.
type Details struct {
	ChangeType    types.ChangeType
	Actor         Actor
	ReferenceType string
	ReferenceID   string
	Metadata      map[string]string
}

type AdjustRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Direction   types.Direction
	ReasonCode  string
	Notes       string
	Actor       Actor
	Override    bool
	ReferenceID string
}

type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st store.Store, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Credit(ctx context.Context, accountID string, amount decimal.Decimal, d Details) (Result, error) {
	if d.ChangeType == "" {
		d.ChangeType = types.ChangeTypeDeposit
	}
	return s.apply(ctx, accountID, amount, d, false)
}

func (s *Service) Debit(ctx context.Context, accountID string, amount decimal.Decimal, d Details) (Result, error) {
	if d.ChangeType == "" {
		d.ChangeType = types.ChangeTypeWithdrawal
	}
	return s.apply(ctx, accountID, amount.Neg(), d, false)
}

// Adjust applies an administrative balance change. A reason code of
// "correction" records the entry as a correction, anything else as an
// adjustment.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (Result, error) {
	reason := strings.TrimSpace(req.ReasonCode)
	if reason == "" {
		return Result{}, apperr.Validation("reason code is required")
	}
	if !req.Direction.Valid() {
		return Result{}, apperr.Validation("direction must be credit or debit")
	}
	if req.Actor.ID == "" {
		return Result{}, apperr.Validation("adjustment requires an acting user")
	}
	changeType := types.ChangeTypeAdjustment
	if strings.EqualFold(reason, "correction") {
		changeType = types.ChangeTypeCorrection
	}
	amount := req.Amount
	if req.Direction == types.DirectionDebit {
		amount = amount.Neg()
	}
	d := Details{
		ChangeType:    changeType,
		Actor:         req.Actor,
		ReferenceType: "adjustment",
		ReferenceID:   req.ReferenceID,
		Metadata:      map[string]string{"reason_code": reason},
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		d.Metadata["notes"] = notes
	}
	res, err := s.apply(ctx, req.AccountID, amount, d, req.Override)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("balance adjusted",
		"account_id", req.AccountID,
		"change", res.Change.String(),
		"reason_code", reason,
		"actor_id", req.Actor.ID,
		"override", req.Override,
	)
	return res, nil
}

func (s *Service) apply(ctx context.Context, accountID string, signed decimal.Decimal, d Details, override bool) (Result, error) {
	if !signed.Abs().GreaterThan(decimal.Zero) {
		return Result{}, apperr.Validation("amount must be positive")
	}
	if d.Actor.Type == "" {
		d.Actor = SystemActor
	}
	var res Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = s.ApplyTx(ctx, tx, Request{
			AccountID:     accountID,
			Amount:        signed,
			ChangeType:    d.ChangeType,
			Actor:         d.Actor,
			ReferenceType: d.ReferenceType,
			ReferenceID:   d.ReferenceID,
			Metadata:      d.Metadata,
			Override:      override,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.Announce(res)
	return res, nil
}

// ApplyTx performs one mutation inside the caller's transaction: it locks
// the account row, resolves a replayed reference, computes the new balance
// and appends the ledger entry. Amounts carry at most two decimal places.
// Nothing is published; callers announce the result after commit.
func (s *Service) ApplyTx(ctx context.Context, tx store.Tx, req Request) (Result, error) {
	if req.AccountID == "" {
		return Result{}, apperr.Validation("account id is required")
	}
	if !req.ChangeType.Valid() {
		return Result{}, apperr.Validation("unknown change type " + string(req.ChangeType))
	}
	if !req.Amount.Round(margin.MoneyPlaces).Equal(req.Amount) {
		return Result{}, apperr.Validation("amount has more than 2 decimal places")
	}

	acc, err := tx.LockAccount(ctx, req.AccountID)
	if err != nil {
		return Result{}, err
	}
	// A retry racing the original sees its entry once the lock is ours.
	if req.ReferenceID != "" {
		prior, found, err := tx.FindLedgerEntryByReference(ctx, req.AccountID, req.ReferenceType, req.ReferenceID)
		if err != nil {
			return Result{}, err
		}
		if found {
			return replay(prior, req)
		}
	}
	if acc.Status == types.AccountStatusInactive {
		return Result{}, apperr.Conflict("account " + acc.ID + " is inactive")
	}

	change := req.Amount
	metadata := copyMetadata(req.Metadata)
	newBalance := acc.Balance.Add(change)
	if newBalance.IsNegative() && !req.Override {
		if !req.WriteOff {
			return Result{}, fmt.Errorf("%w: balance %s cannot cover %s", apperr.ErrInsufficientFunds, acc.Balance.StringFixed(margin.MoneyPlaces), change.Neg().StringFixed(margin.MoneyPlaces))
		}
		covered := decimal.Max(acc.Balance, decimal.Zero).Neg()
		metadata[MetaWrittenOff] = covered.Sub(change).StringFixed(margin.MoneyPlaces)
		metadata[metaRequested] = change.StringFixed(margin.MoneyPlaces)
		change = covered
		newBalance = acc.Balance.Add(change)
		s.logger.Warn("trade loss exceeds balance",
			"account_id", acc.ID,
			"requested", req.Amount.String(),
			"written_off", metadata[MetaWrittenOff],
		)
	}

	seq := int64(1)
	prevHash := ""
	last, found, err := tx.LastLedgerEntry(ctx, acc.ID)
	if err != nil {
		return Result{}, err
	}
	if found {
		seq = last.Sequence + 1
		prevHash = last.Hash
	}

	entry := model.LedgerEntry{
		ID:              uuid.NewString(),
		AccountID:       acc.ID,
		PreviousBalance: acc.Balance,
		NewBalance:      newBalance,
		ChangeAmount:    change,
		ChangeType:      req.ChangeType,
		PerformedByType: req.Actor.Type,
		PerformedByID:   req.Actor.ID,
		ReferenceID:     req.ReferenceID,
		ReferenceType:   req.ReferenceType,
		Metadata:        metadata,
		Sequence:        seq,
		PrevHash:        prevHash,
		CreatedAt:       s.now(),
	}
	entry.Hash = computeHash(entry)

	if err := tx.UpdateAccountBalance(ctx, acc.ID, newBalance); err != nil {
		return Result{}, err
	}
	if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
		return Result{}, err
	}
	metrics.LedgerMutations.WithLabelValues(string(req.ChangeType)).Inc()
	return resultOf(entry, false), nil
}

// Announce publishes balance changes. Replays are skipped since they were
// announced when first applied.
func (s *Service) Announce(results ...Result) {
	for _, res := range results {
		if res.Replayed || res.EntryID == "" {
			continue
		}
		s.publisher.Publish(events.Event{Type: events.TypeBalanceChanged, AccountID: res.AccountID, Data: res})
	}
}

func (s *Service) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListLedgerEntries(ctx, accountID)
		return err
	})
	return out, err
}

func replay(prior model.LedgerEntry, req Request) (Result, error) {
	requested := prior.ChangeAmount
	if v, ok := prior.Metadata[metaRequested]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			requested = d
		}
	}
	if prior.ChangeType != req.ChangeType || !requested.Equal(req.Amount) {
		return Result{}, apperr.Conflict(fmt.Sprintf("reference %s:%s already applied with a different change", req.ReferenceType, req.ReferenceID))
	}
	metrics.LedgerReplays.Inc()
	return resultOf(prior, true), nil
}

func resultOf(e model.LedgerEntry, replayed bool) Result {
	return Result{
		EntryID:         e.ID,
		AccountID:       e.AccountID,
		PreviousBalance: e.PreviousBalance,
		NewBalance:      e.NewBalance,
		Change:          e.ChangeAmount,
		ChangeType:      e.ChangeType,
		Replayed:        replayed,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func computeHash(e model.LedgerEntry) string {
	buf := e.ID + "|" + e.AccountID + "|" +
		e.PreviousBalance.StringFixed(margin.MoneyPlaces) + "|" +
		e.NewBalance.StringFixed(margin.MoneyPlaces) + "|" +
		e.ChangeAmount.StringFixed(margin.MoneyPlaces) + "|" +
		string(e.ChangeType) + "|" +
		e.ReferenceType + ":" + e.ReferenceID + "|" +
		strconv.FormatInt(e.Sequence, 10) + "|" + e.PrevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}
