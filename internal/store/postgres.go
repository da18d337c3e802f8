package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE at READ COMMITTED isolation; all monetary columns
// are NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apperr.ErrInternal, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", apperr.ErrInternal, err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Accounts ---

const accountColumns = `id, owner_id, balance, currency, leverage, status, created_at, updated_at`

func scanAccount(row rowScanner) (model.Account, error) {
	var a model.Account
	var status string
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.Currency, &a.Leverage, &status, &a.CreatedAt, &a.UpdatedAt)
	a.Status = types.AccountStatus(status)
	return a, err
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, owner_id, balance, currency, leverage, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.OwnerID, a.Balance, a.Currency, a.Leverage, string(a.Status), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("account " + a.ID + " already exists")
	}
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	return a, notFound(err, "account", id)
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	return a, notFound(err, "account", id)
}

func (t *pgTx) ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.Account, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY created_at ASC, id ASC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	cmd, err := t.tx.Exec(ctx, "UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2", balance, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}

func (t *pgTx) UpdateAccountStatus(ctx context.Context, id string, status types.AccountStatus) error {
	cmd, err := t.tx.Exec(ctx, "UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2", string(status), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}

func (t *pgTx) UpdateAccountLeverage(ctx context.Context, id string, leverage int) error {
	cmd, err := t.tx.Exec(ctx, "UPDATE accounts SET leverage = $1, updated_at = NOW() WHERE id = $2", leverage, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}

// --- Ledger ---

const ledgerColumns = `id, account_id, previous_balance, new_balance, change_amount, change_type,
	performed_by_type, performed_by_id, reference_id, reference_type, metadata, sequence, prev_hash, hash, created_at`

func scanLedgerEntry(row rowScanner) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var changeType, actorType string
	err := row.Scan(&e.ID, &e.AccountID, &e.PreviousBalance, &e.NewBalance, &e.ChangeAmount, &changeType,
		&actorType, &e.PerformedByID, &e.ReferenceID, &e.ReferenceType, &e.Metadata, &e.Sequence, &e.PrevHash, &e.Hash, &e.CreatedAt)
	e.ChangeType = types.ChangeType(changeType)
	e.PerformedByType = types.ActorType(actorType)
	return e, err
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.AccountID, e.PreviousBalance, e.NewBalance, e.ChangeAmount, string(e.ChangeType),
		string(e.PerformedByType), e.PerformedByID, e.ReferenceID, e.ReferenceType, metadata, e.Sequence, e.PrevHash, e.Hash, e.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("duplicate ledger reference " + e.ReferenceType + ":" + e.ReferenceID)
	}
	return err
}

func (t *pgTx) LastLedgerEntry(ctx context.Context, accountID string) (model.LedgerEntry, bool, error) {
	e, err := scanLedgerEntry(t.tx.QueryRow(ctx,
		"SELECT "+ledgerColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY sequence DESC LIMIT 1", accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, false, nil
	}
	return e, err == nil, err
}

func (t *pgTx) FindLedgerEntryByReference(ctx context.Context, accountID, refType, refID string) (model.LedgerEntry, bool, error) {
	e, err := scanLedgerEntry(t.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id = $1 AND reference_type = $2 AND reference_id = $3
	`, accountID, refType, refID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, false, nil
	}
	return e, err == nil, err
}

func (t *pgTx) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+ledgerColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY sequence ASC", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Instruments ---

func (t *pgTx) GetInstrument(ctx context.Context, symbol string) (model.Instrument, error) {
	var in model.Instrument
	err := t.tx.QueryRow(ctx, `
		SELECT symbol, contract_size, pip_size, commission_per_lot, swap_long_per_lot, swap_short_per_lot, min_lot, max_lot, status
		FROM instruments
		WHERE symbol = $1
	`, symbol).Scan(&in.Symbol, &in.ContractSize, &in.PipSize, &in.CommissionPerLot, &in.SwapLongPerLot, &in.SwapShortPerLot, &in.MinLot, &in.MaxLot, &in.Status)
	return in, notFound(err, "instrument", symbol)
}

func (t *pgTx) UpsertInstrument(ctx context.Context, in model.Instrument) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO instruments (symbol, contract_size, pip_size, commission_per_lot, swap_long_per_lot, swap_short_per_lot, min_lot, max_lot, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol) DO UPDATE SET
			contract_size = EXCLUDED.contract_size,
			pip_size = EXCLUDED.pip_size,
			commission_per_lot = EXCLUDED.commission_per_lot,
			swap_long_per_lot = EXCLUDED.swap_long_per_lot,
			swap_short_per_lot = EXCLUDED.swap_short_per_lot,
			min_lot = EXCLUDED.min_lot,
			max_lot = EXCLUDED.max_lot,
			status = EXCLUDED.status
	`, in.Symbol, in.ContractSize, in.PipSize, in.CommissionPerLot, in.SwapLongPerLot, in.SwapShortPerLot, in.MinLot, in.MaxLot, in.Status)
	return err
}

// --- Positions ---

const positionColumns = `id, account_id, symbol, side, lot_size, order_type, trigger_price, open_price, current_price,
	close_price, stop_loss, take_profit, commission, swap, profit, status, close_reason, created_at, opened_at, closed_at, updated_at,
	last_swap_on`

func scanPosition(row rowScanner) (model.Position, error) {
	var p model.Position
	var side, orderType, status, reason string
	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &p.LotSize, &orderType, &p.TriggerPrice, &p.OpenPrice, &p.CurrentPrice,
		&p.ClosePrice, &p.StopLoss, &p.TakeProfit, &p.Commission, &p.Swap, &p.Profit, &status, &reason, &p.CreatedAt, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
		&p.LastSwapOn)
	p.Side = types.PositionSide(side)
	p.OrderType = types.OrderType(orderType)
	p.Status = types.PositionStatus(status)
	p.CloseReason = types.CloseReason(reason)
	return p, err
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, p.ID, p.AccountID, p.Symbol, string(p.Side), p.LotSize, string(p.OrderType), p.TriggerPrice, p.OpenPrice, p.CurrentPrice,
		p.ClosePrice, p.StopLoss, p.TakeProfit, p.Commission, p.Swap, p.Profit, string(p.Status), string(p.CloseReason), p.CreatedAt, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
		p.LastSwapOn)
	return err
}

func (t *pgTx) GetPosition(ctx context.Context, id string) (model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = $1", id))
	return p, notFound(err, "position", id)
}

func (t *pgTx) LockPosition(ctx context.Context, id string) (model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = $1 FOR UPDATE", id))
	return p, notFound(err, "position", id)
}

func (t *pgTx) TransitionPosition(ctx context.Context, p model.Position, from types.PositionStatus) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE positions
		SET status = $1, order_type = $2, open_price = $3, current_price = $4, close_price = $5,
		    profit = $6, swap = $7, close_reason = $8, opened_at = $9, closed_at = $10, updated_at = NOW()
		WHERE id = $11 AND status = $12
	`, string(p.Status), string(p.OrderType), p.OpenPrice, p.CurrentPrice, p.ClosePrice,
		p.Profit, p.Swap, string(p.CloseReason), p.OpenedAt, p.ClosedAt, p.ID, string(from))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) UpdatePositionMark(ctx context.Context, id string, currentPrice, profit decimal.Decimal) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE positions SET current_price = $1, profit = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'open'
	`, currentPrice, profit, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) AddPositionSwap(ctx context.Context, id string, amount decimal.Decimal, day time.Time) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE positions SET swap = swap + $1, last_swap_on = $3, updated_at = NOW()
		WHERE id = $2 AND status = 'open' AND (last_swap_on IS NULL OR last_swap_on < $3)
	`, amount, id, SwapDay(day))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) ListPositionsByAccount(ctx context.Context, accountID string, status types.PositionStatus) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC, id ASC
	`, accountID, string(status))
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// keyset maps a cursor to bounds that sort before every stored row when
// the cursor is the zero value.
func keyset(c Cursor) (time.Time, string) {
	if c.ID == "" {
		return time.Time{}, uuid.Nil.String()
	}
	return c.CreatedAt, c.ID
}

func (t *pgTx) ListPositionsByStatus(ctx context.Context, status types.PositionStatus, after Cursor, limit int) ([]model.Position, error) {
	afterAt, afterID := keyset(after)
	rows, err := t.tx.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = $1 AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, string(status), afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (t *pgTx) ListAccountsWithOpenPositions(ctx context.Context, afterID string, limit int) ([]string, error) {
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT account_id::text FROM positions
		WHERE status = 'open' AND account_id > $1::uuid
		ORDER BY 1 ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *pgTx) ListPendingCreatedBefore(ctx context.Context, before time.Time, after Cursor, limit int) ([]model.Position, error) {
	afterAt, afterID := keyset(after)
	rows, err := t.tx.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = 'pending' AND created_at < $1 AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, before, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

func (t *pgTx) DeleteTerminalPositions(ctx context.Context, before time.Time) (int64, error) {
	cmd, err := t.tx.Exec(ctx, `
		DELETE FROM positions
		WHERE status IN ('closed', 'cancelled') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// --- Trade history ---

func (t *pgTx) InsertTradeRecord(ctx context.Context, r *model.TradeRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trade_history (id, position_id, account_id, symbol, side, lot_size, open_price, close_price,
			profit, commission, swap, net_profit, pips, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, r.ID, r.PositionID, r.AccountID, r.Symbol, string(r.Side), r.LotSize, r.OpenPrice, r.ClosePrice,
		r.Profit, r.Commission, r.Swap, r.NetProfit, r.Pips, string(r.CloseReason), r.OpenedAt, r.ClosedAt)
	return err
}

func (t *pgTx) ListTradeRecords(ctx context.Context, accountID string) ([]model.TradeRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, position_id, account_id, symbol, side, lot_size, open_price, close_price,
			profit, commission, swap, net_profit, pips, close_reason, opened_at, closed_at
		FROM trade_history
		WHERE account_id = $1
		ORDER BY closed_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var side, reason string
		if err := rows.Scan(&r.ID, &r.PositionID, &r.AccountID, &r.Symbol, &side, &r.LotSize, &r.OpenPrice, &r.ClosePrice,
			&r.Profit, &r.Commission, &r.Swap, &r.NetProfit, &r.Pips, &reason, &r.OpenedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		r.Side = types.PositionSide(side)
		r.CloseReason = types.CloseReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Introducing brokers ---

func (t *pgTx) CreateIbRelationship(ctx context.Context, r *model.IbRelationship) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ib_relationships (id, ib_user_id, client_user_id, commission_rate, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.IbUserID, r.ClientUserID, r.CommissionRate, r.Status, r.CreatedAt)
	return err
}

func (t *pgTx) GetActiveIbRelationship(ctx context.Context, clientUserID string) (model.IbRelationship, error) {
	var r model.IbRelationship
	err := t.tx.QueryRow(ctx, `
		SELECT id, ib_user_id, client_user_id, commission_rate, status, created_at
		FROM ib_relationships
		WHERE client_user_id = $1 AND status = 'active'
		ORDER BY created_at ASC
		LIMIT 1
	`, clientUserID).Scan(&r.ID, &r.IbUserID, &r.ClientUserID, &r.CommissionRate, &r.Status, &r.CreatedAt)
	return r, notFound(err, "ib relationship for client", clientUserID)
}

func (t *pgTx) InsertCommissionRecord(ctx context.Context, r *model.CommissionRecord) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO ib_commissions (id, relationship_id, trade_id, amount, rate, volume, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (relationship_id, trade_id) DO NOTHING
	`, r.ID, r.RelationshipID, r.TradeID, r.Amount, r.Rate, r.Volume, string(r.Status), r.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (t *pgTx) ListCommissionRecords(ctx context.Context, relationshipID string) ([]model.CommissionRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, relationship_id, trade_id, amount, rate, volume, status, created_at
		FROM ib_commissions
		WHERE ($1 = '' OR relationship_id::text = $1)
		ORDER BY created_at ASC
	`, relationshipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CommissionRecord
	for rows.Next() {
		var r model.CommissionRecord
		var status string
		if err := rows.Scan(&r.ID, &r.RelationshipID, &r.TradeID, &r.Amount, &r.Rate, &r.Volume, &status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = types.CommissionStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
