// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/poolyield/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrVersionConflict возвращается, если позиция изменилась с момента чтения.
	ErrVersionConflict = errors.New("position version conflict")
	// ErrDuplicateWithdrawal возвращается вместе с ранее сохранённым выводом при повторе ключа идемпотентности.
	ErrDuplicateWithdrawal = errors.New("withdrawal already recorded")
	// ErrWithdrawalNotSettleable возвращается при попытке подтвердить отклонённый или уже проведённый вывод.
	ErrWithdrawalNotSettleable = errors.New("withdrawal cannot be settled")
)

// activeStatusSpellings перечисляет написания активного статуса во внешних данных.
var activeStatusSpellings = []string{"active", "activo", "confirmed", "confirmado"}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const positionColumns = `id, wallet_address, pool_address, deposited_amount, annual_rate,
	start_time, end_time, duration_days, status, cached_accrued, withdrawn_total, version`

func scanPosition(row pgx.Row) (model.Position, error) {
	var (
		p      model.Position
		status string
		cached decimal.NullDecimal
	)

	err := row.Scan(
		&p.ID, &p.WalletAddress, &p.PoolAddress, &p.DepositedAmount, &p.AnnualRate,
		&p.StartTime, &p.EndTime, &p.DurationDays, &status, &cached, &p.WithdrawnTotal, &p.Version,
	)
	if err != nil {
		var argErr pgx.ScanArgError
		if errors.As(err, &argErr) {
			return model.Position{}, fmt.Errorf("%w: position %s: %v", model.ErrInvalidPositionData, p.ID, argErr)
		}
		return model.Position{}, err
	}

	p.Status, err = model.ParsePositionStatus(status)
	if err != nil {
		return model.Position{}, fmt.Errorf("position %s: %w", p.ID, err)
	}
	if cached.Valid {
		p.CachedAccrued = cached.Decimal
	}
	return p, nil
}

// GetPosition возвращает позицию по идентификатору.
func (r *PostgresRepository) GetPosition(ctx context.Context, id string) (model.Position, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Position{}, model.ErrPositionNotFound
		}
		return model.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositionsToFinalize возвращает активные позиции, срок которых истёк к моменту now.
func (r *PostgresRepository) ListPositionsToFinalize(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE lower(status) = ANY($1)
		   AND CASE
		         WHEN end_time > start_time THEN end_time
		         ELSE start_time + make_interval(days => CASE WHEN duration_days > 0 THEN duration_days ELSE 365 END)
		       END <= $2
		 ORDER BY start_time
		 LIMIT $3`,
		activeStatusSpellings, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select positions to finalize: %w", err)
	}
	defer rows.Close()

	var res []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListActiveWalletPositions возвращает активные позиции кошелька.
func (r *PostgresRepository) ListActiveWalletPositions(ctx context.Context, walletAddress string) ([]model.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE lower(wallet_address) = lower($1)
		   AND lower(status) = ANY($2)`,
		walletAddress, activeStatusSpellings,
	)
	if err != nil {
		return nil, fmt.Errorf("select wallet positions: %w", err)
	}
	defer rows.Close()

	var res []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RaiseCachedAccrued повышает сохранённое начисление позиции; значение никогда не уменьшается.
func (r *PostgresRepository) RaiseCachedAccrued(ctx context.Context, id string, value decimal.Decimal) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE positions
			 SET cached_accrued = GREATEST(COALESCE(cached_accrued, 0), $2), updated_at = NOW()
			 WHERE id = $1`,
			id, value,
		)
		if err != nil {
			return fmt.Errorf("raise cached accrued: %w", err)
		}
		return nil
	})
}

// FinalizePosition переводит позицию в статус Finalized с полным начислением.
func (r *PostgresRepository) FinalizePosition(ctx context.Context, id string, accrued decimal.Decimal, expectedVersion int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE positions
		 SET status = $2,
		     cached_accrued = GREATEST(COALESCE(cached_accrued, 0), $3),
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND version = $4`,
		id, string(model.PositionStatusFinalized), accrued, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("finalize position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// PositionUpdate описывает изменения позиции, сохраняемые вместе с выводом.
type PositionUpdate struct {
	ExpectedVersion int64
	NewAnnualRate   decimal.Decimal
	Accrued         decimal.Decimal
	Withdrawn       decimal.Decimal
}

const withdrawalColumns = `id, position_id, idempotency_key, amount_withdrawn, currency, apr_before, apr_after,
	penalty_applied, penalty_amount, status, requested_at, processed_at, transaction_reference`

func scanWithdrawal(row pgx.Row) (model.WithdrawalRecord, error) {
	var (
		w      model.WithdrawalRecord
		status string
	)

	err := row.Scan(
		&w.ID, &w.PositionID, &w.IdempotencyKey, &w.AmountWithdrawn, &w.Currency, &w.AprBefore, &w.AprAfter,
		&w.PenaltyApplied, &w.PenaltyAmount, &status, &w.RequestedAt, &w.ProcessedAt, &w.TransactionReference,
	)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}

	w.Status, err = model.ParseWithdrawalStatus(status)
	if err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("withdrawal %s: %w", w.ID, err)
	}
	return w, nil
}

func insertWithdrawal(ctx context.Context, tx pgx.Tx, w model.WithdrawalRecord) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO withdrawals (`+withdrawalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		w.ID, w.PositionID, w.IdempotencyKey, w.AmountWithdrawn, w.Currency, w.AprBefore, w.AprAfter,
		w.PenaltyApplied, w.PenaltyAmount, string(w.Status), w.RequestedAt, w.ProcessedAt, w.TransactionReference,
	)
	if err != nil {
		return false, fmt.Errorf("insert withdrawal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func existingWithdrawal(ctx context.Context, tx pgx.Tx, key string) (model.WithdrawalRecord, error) {
	w, err := scanWithdrawal(tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE idempotency_key = $1`, key))
	if err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("select existing withdrawal: %w", err)
	}
	return w, nil
}

// CommitWithdrawal атомарно сохраняет запись о выводе и новую ставку позиции.
// Если ключ идемпотентности уже использован, возвращает сохранённую запись и ErrDuplicateWithdrawal.
// Если позиция изменилась после чтения, возвращает ErrVersionConflict.
func (r *PostgresRepository) CommitWithdrawal(ctx context.Context, w model.WithdrawalRecord, upd PositionUpdate) (model.WithdrawalRecord, error) {
	var res model.WithdrawalRecord

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		inserted, err := insertWithdrawal(ctx, tx, w)
		if err != nil {
			return err
		}
		if !inserted {
			res, err = existingWithdrawal(ctx, tx, w.IdempotencyKey)
			if err != nil {
				return err
			}
			return ErrDuplicateWithdrawal
		}

		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET annual_rate = $2,
			     withdrawn_total = withdrawn_total + $3,
			     cached_accrued = GREATEST(COALESCE(cached_accrued, 0), $4),
			     version = version + 1,
			     updated_at = NOW()
			 WHERE id = $1 AND version = $5`,
			w.PositionID, upd.NewAnnualRate, upd.Withdrawn, upd.Accrued, upd.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		res = w
		return nil
	})

	return res, err
}

// RecordRejectedWithdrawal сохраняет отклонённый запрос на вывод без изменения позиции.
func (r *PostgresRepository) RecordRejectedWithdrawal(ctx context.Context, w model.WithdrawalRecord) (model.WithdrawalRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := insertWithdrawal(ctx, tx, w)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}
	if !inserted {
		existing, err := existingWithdrawal(ctx, tx, w.IdempotencyKey)
		if err != nil {
			return model.WithdrawalRecord{}, err
		}
		return existing, ErrDuplicateWithdrawal
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("commit tx: %w", err)
	}
	return w, nil
}

// GetWithdrawalByKey возвращает вывод по ключу идемпотентности.
func (r *PostgresRepository) GetWithdrawalByKey(ctx context.Context, key string) (model.WithdrawalRecord, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WithdrawalRecord{}, model.ErrWithdrawalNotFound
		}
		return model.WithdrawalRecord{}, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

// ListWithdrawalsByPosition возвращает историю выводов по позиции.
func (r *PostgresRepository) ListWithdrawalsByPosition(ctx context.Context, positionID string) ([]model.WithdrawalRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawals
		 WHERE position_id = $1
		 ORDER BY requested_at DESC`,
		positionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	defer rows.Close()

	var res []model.WithdrawalRecord
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		res = append(res, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SettleWithdrawal сохраняет ссылку на транзакцию подтверждённого вывода.
func (r *PostgresRepository) SettleWithdrawal(ctx context.Context, id, txRef string) (model.WithdrawalRecord, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx,
		`UPDATE withdrawals
		 SET transaction_reference = $2, processed_at = COALESCE(processed_at, NOW())
		 WHERE id = $1 AND status = $3 AND transaction_reference IS NULL
		 RETURNING `+withdrawalColumns,
		id, txRef, string(model.WithdrawalStatusConfirmed),
	))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WithdrawalRecord{}, fmt.Errorf("settle withdrawal: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("check withdrawal: %w", err)
	}
	if !exists {
		return model.WithdrawalRecord{}, model.ErrWithdrawalNotFound
	}
	return model.WithdrawalRecord{}, ErrWithdrawalNotSettleable
}

// GetReferrer возвращает реферера по идентификатору.
func (r *PostgresRepository) GetReferrer(ctx context.Context, id string) (model.Referrer, error) {
	var ref model.Referrer
	err := r.pool.QueryRow(ctx,
		`SELECT id, wallet_address FROM referrers WHERE id = $1`, id,
	).Scan(&ref.ID, &ref.WalletAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Referrer{}, model.ErrReferrerNotFound
		}
		return model.Referrer{}, fmt.Errorf("get referrer: %w", err)
	}
	return ref, nil
}

// ListReferrerIDs возвращает идентификаторы рефереров, у которых есть приглашённые кошельки.
func (r *PostgresRepository) ListReferrerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT referrer_id FROM referred_wallets ORDER BY referrer_id`)
	if err != nil {
		return nil, fmt.Errorf("select referrers: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect referrers: %w", err)
	}
	return ids, nil
}

// EnrollReferredWallet закрепляет кошелёк за реферером.
func (r *PostgresRepository) EnrollReferredWallet(ctx context.Context, w model.ReferredWallet) (model.ReferredWallet, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO referred_wallets (id, referrer_id, wallet_address, joined_at, status, earned_rewards)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT DO NOTHING`,
		w.ID, w.ReferrerID, w.WalletAddress, w.JoinedAt, string(w.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return model.ReferredWallet{}, model.ErrReferrerNotFound
		}
		return model.ReferredWallet{}, fmt.Errorf("insert referred wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ReferredWallet{}, model.ErrWalletAlreadyReferred
	}

	w.EarnedRewards = decimal.Zero
	return w, nil
}

// ListReferredWallets возвращает кошельки, приглашённые реферером.
func (r *PostgresRepository) ListReferredWallets(ctx context.Context, referrerID string) ([]model.ReferredWallet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, referrer_id, wallet_address, joined_at, status, earned_rewards
		 FROM referred_wallets
		 WHERE referrer_id = $1
		 ORDER BY joined_at`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select referred wallets: %w", err)
	}
	defer rows.Close()

	var res []model.ReferredWallet
	for rows.Next() {
		var (
			w      model.ReferredWallet
			status string
		)
		if err := rows.Scan(&w.ID, &w.ReferrerID, &w.WalletAddress, &w.JoinedAt, &status, &w.EarnedRewards); err != nil {
			return nil, fmt.Errorf("scan referred wallet: %w", err)
		}
		w.Status = model.ParseReferredWalletStatus(status)
		res = append(res, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListWalletPositionFees возвращает статусы и сохранённые начисления позиций кошелька.
// Позиция без сохранённого начисления ещё не оценивалась и отдаётся с нулём.
func (r *PostgresRepository) ListWalletPositionFees(ctx context.Context, walletAddress string) ([]model.PositionFee, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, status, COALESCE(cached_accrued, 0)::text
		 FROM positions
		 WHERE lower(wallet_address) = lower($1)`,
		walletAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("select position fees: %w", err)
	}
	defer rows.Close()

	var res []model.PositionFee
	for rows.Next() {
		var (
			f      model.PositionFee
			status string
		)
		if err := rows.Scan(&f.PositionID, &status, &f.Accrued); err != nil {
			return nil, fmt.Errorf("scan position fee: %w", err)
		}
		f.Status, err = model.ParsePositionStatus(status)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", f.PositionID, err)
		}
		res = append(res, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetEarnedRewards перезаписывает вознаграждение приглашённого кошелька.
func (r *PostgresRepository) SetEarnedRewards(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE referred_wallets SET earned_rewards = $2 WHERE id = $1`,
			walletID, amount,
		)
		if err != nil {
			return fmt.Errorf("update earned rewards: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update earned rewards: wallet %s not found", walletID)
		}
		return nil
	})
}
