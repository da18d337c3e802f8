// Package commission credits introducing brokers for the trade volume of
// the clients they referred.
package commission

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Distributor struct {
	store       store.Store
	defaultRate decimal.Decimal
	logger      *slog.Logger
}

func NewDistributor(st store.Store, defaultRate decimal.Decimal, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{store: st, defaultRate: defaultRate, logger: logger}
}

// Rate returns the per-lot rate for a relationship, falling back to the
// platform default when the relationship carries none.
func (d *Distributor) Rate(rel model.IbRelationship) decimal.Decimal {
	if rel.CommissionRate.IsPositive() {
		return rel.CommissionRate
	}
	return d.defaultRate
}

// DistributeTx records a pending commission for a closed trade of the
// client ownerID. It charges on volume whether the trade won or lost. The
// boolean is false when the client has no active relationship, the rate is
// zero, or the trade was already credited.
func (d *Distributor) DistributeTx(ctx context.Context, tx store.Tx, ownerID string, trade model.TradeRecord) (model.CommissionRecord, bool, error) {
	rel, err := tx.GetActiveIbRelationship(ctx, ownerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return model.CommissionRecord{}, false, nil
	}
	if err != nil {
		return model.CommissionRecord{}, false, err
	}
	rate := d.Rate(rel)
	if !rate.IsPositive() {
		return model.CommissionRecord{}, false, nil
	}
	rec := model.CommissionRecord{
		RelationshipID: rel.ID,
		TradeID:        trade.ID,
		Amount:         trade.LotSize.Mul(rate).Round(margin.MoneyPlaces),
		Rate:           rate,
		Volume:         trade.LotSize,
		Status:         types.CommissionStatusPending,
	}
	created, err := tx.InsertCommissionRecord(ctx, &rec)
	if err != nil {
		return model.CommissionRecord{}, false, err
	}
	if !created {
		d.logger.Warn("commission already recorded", "relationship_id", rel.ID, "trade_id", trade.ID)
	}
	return rec, created, nil
}

// Link registers ibUserID as the introducing broker of clientUserID. A zero
// rate means the platform default applies.
func (d *Distributor) Link(ctx context.Context, ibUserID, clientUserID string, rate decimal.Decimal) (model.IbRelationship, error) {
	ibUserID = strings.TrimSpace(ibUserID)
	clientUserID = strings.TrimSpace(clientUserID)
	if ibUserID == "" || clientUserID == "" {
		return model.IbRelationship{}, apperr.Validation("ib and client user ids are required")
	}
	if ibUserID == clientUserID {
		return model.IbRelationship{}, apperr.Validation("a user cannot refer themselves")
	}
	if rate.IsNegative() {
		return model.IbRelationship{}, apperr.Validation("commission rate cannot be negative")
	}
	rel := model.IbRelationship{IbUserID: ibUserID, ClientUserID: clientUserID, CommissionRate: rate, Status: "active"}
	err := d.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.GetActiveIbRelationship(ctx, clientUserID)
		if err == nil {
			return apperr.Conflict("client already referred by " + existing.IbUserID)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return tx.CreateIbRelationship(ctx, &rel)
	})
	return rel, err
}

// Records lists commission records; an empty relationship id lists all.
func (d *Distributor) Records(ctx context.Context, relationshipID string) ([]model.CommissionRecord, error) {
	var out []model.CommissionRecord
	err := d.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListCommissionRecords(ctx, relationshipID)
		return err
	})
	return out, err
}
