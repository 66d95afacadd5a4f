package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintTransactionPrimary = "credit_transactions_pkey"
	constraintReservationPrimary = "reservations_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectReservation      = "reservation"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorSubjectMonitoring       = "monitoring"
	errorCodeApplyDelta          = "apply_delta"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMigrate             = "migrate"
	errorCodePurge               = "purge"
	errorCodeQuery               = "query"
	errorCodeSum                 = "sum"
	errorCodeTransition          = "transition"

	sqlSelectBalance = `
		select user_id, balance, total_earned, total_spent, created_at, updated_at
		from user_balances
		where user_id = $1
	`

	sqlInsertBalanceIfAbsent = `
		insert into user_balances(user_id, balance, total_earned, total_spent, created_at, updated_at)
		values ($1, 0, 0, 0, $2, $2)
		on conflict (user_id) do nothing
	`

	sqlApplyDelta = `
		update user_balances
		set balance = balance + $2,
			total_earned = total_earned + $3,
			total_spent = total_spent + $4,
			updated_at = $5
		where user_id = $1 and (not $6 or balance + $2 >= 0)
		returning user_id, balance, total_earned, total_spent, created_at, updated_at
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, type, amount, description,
			priceable_item_id, related_item_id, reservation_id, original_transaction_id,
			metadata, balance_after, created_at
		)
		values (
			$1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''), nullif($8,''), nullif($9,''),
			coalesce(nullif($10,''),'{}')::jsonb, $11, $12
		)
	`

	sqlTransactionColumns = `
		transaction_id, user_id, type, amount, description,
		coalesce(priceable_item_id,''), coalesce(related_item_id,''), coalesce(reservation_id,''), coalesce(original_transaction_id,''),
		coalesce(metadata::text,'{}'), balance_after, created_at
	`

	sqlSelectTransaction = `select ` + sqlTransactionColumns + ` from credit_transactions where transaction_id = $1`

	sqlListTransactions = `select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlSumRefunds = `
		select coalesce(sum(amount),0)::bigint from credit_transactions
		where type = 'refund' and original_transaction_id = $1
	`

	sqlInsertReservation = `
		insert into reservations(reservation_id, user_id, item_id, amount, description, status, cancel_reason, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	sqlReservationColumns = `reservation_id, user_id, item_id, amount, description, status, cancel_reason, expires_at, created_at, updated_at`

	sqlSelectReservation = `select ` + sqlReservationColumns + ` from reservations where reservation_id = $1 and user_id = $2`

	sqlTransitionReservation = `
		update reservations
		set status = $4, cancel_reason = $5, updated_at = $6
		where reservation_id = $1 and user_id = $2 and status = $3
	`

	sqlListExpiredPending = `select ` + sqlReservationColumns + `
		from reservations
		where status = 'pending' and expires_at < $1
		order by expires_at asc
		limit $2
	`

	sqlListReservations = `select ` + sqlReservationColumns + `
		from reservations
		where user_id = $1 and ($2 = '' or status = $2)
		order by created_at desc
		limit $3
	`

	sqlPurgeReservations = `
		delete from reservations
		where status in ('confirmed','cancelled') and updated_at < $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store and monitoring.Store over a pgx pool, or over a
// pgx transaction inside WithTx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate creates the schema if it does not exist.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.StorageUnavailable(err))
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.UserBalance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.StorageUnavailable(err))
	}
	return balance, nil
}

func (store *Store) CreateBalanceIfAbsent(ctx context.Context, userID ledger.UserID, at time.Time) (ledger.UserBalance, bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertBalanceIfAbsent, userID.String(), at.UTC())
	if err != nil {
		return ledger.UserBalance{}, false, wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.StorageUnavailable(err))
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return ledger.UserBalance{}, false, err
	}
	return balance, tag.RowsAffected() == 1, nil
}

func (store *Store) ApplyDelta(ctx context.Context, delta ledger.BalanceDelta) (ledger.UserBalance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlApplyDelta,
		delta.UserID.String(),
		delta.Amount.Int64(),
		delta.Earned.Int64(),
		delta.Spent.Int64(),
		delta.At.UTC(),
		delta.RequireSufficient,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := store.GetBalance(ctx, delta.UserID); lookupErr != nil {
			return ledger.UserBalance{}, lookupErr
		}
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientCredits)
	}
	if err != nil {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.StorageUnavailable(err))
	}
	return balance, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	createdAt := transaction.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.Description,
		transaction.PriceableItemID,
		transaction.RelatedItemID,
		transaction.ReservationID,
		transaction.OriginalTransactionID,
		transaction.Metadata.String(),
		transaction.BalanceAfter.Int64(),
		createdAt,
	)
	if isUniqueConflict(err, constraintTransactionPrimary) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrValidation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.StorageUnavailable(err))
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var limitArgument any
	if limit > 0 {
		limitArgument = limit
	}
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limitArgument)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.StorageUnavailable(err))
	}
	defer rows.Close()
	var transactions []ledger.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.StorageUnavailable(err))
	}
	return transactions, nil
}

func (store *Store) SumRefunds(ctx context.Context, originalTransactionID ledger.TransactionID) (ledger.Credits, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumRefunds, originalTransactionID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.StorageUnavailable(err))
	}
	return ledger.Credits(total), nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ID.String(),
		reservation.UserID.String(),
		reservation.ItemID.String(),
		reservation.Amount.Int64(),
		reservation.Description,
		reservation.Status.String(),
		reservation.CancelReason,
		reservation.ExpiresAt.UTC(),
		reservation.CreatedAt.UTC(),
		reservation.UpdatedAt.UTC(),
	)
	if isUniqueConflict(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, sqlSelectReservation, reservationID.String(), userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.StorageUnavailable(err))
	}
	return reservation, nil
}

func (store *Store) TransitionReservation(ctx context.Context, transition ledger.ReservationTransition) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlTransitionReservation,
		transition.ReservationID.String(),
		transition.UserID.String(),
		transition.From.String(),
		transition.To.String(),
		transition.CancelReason,
		transition.At.UTC(),
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeTransition, ledger.StorageUnavailable(err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := store.GetReservation(ctx, transition.UserID, transition.ReservationID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	var limitArgument any
	if limit > 0 {
		limitArgument = limit
	}
	rows, err := store.db.Query(ctx, sqlListExpiredPending, now.UTC(), limitArgument)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageUnavailable(err))
	}
	return collectReservations(rows)
}

func (store *Store) ListReservations(ctx context.Context, userID ledger.UserID, filter ledger.ReservationFilter) ([]ledger.Reservation, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := store.db.Query(ctx, sqlListReservations, userID.String(), filter.Status.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageUnavailable(err))
	}
	return collectReservations(rows)
}

func (store *Store) PurgeReservations(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlPurgeReservations, olderThan.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodePurge, ledger.StorageUnavailable(err))
	}
	return tag.RowsAffected(), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanBalance(row pgx.Row) (ledger.UserBalance, error) {
	var (
		userIDValue string
		balance     ledger.UserBalance
		amounts     [3]int64
	)
	if err := row.Scan(&userIDValue, &amounts[0], &amounts[1], &amounts[2], &balance.CreatedAt, &balance.UpdatedAt); err != nil {
		return ledger.UserBalance{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.UserBalance{}, err
	}
	balance.UserID = userID
	balance.Balance = ledger.Credits(amounts[0])
	balance.TotalEarned = ledger.Credits(amounts[1])
	balance.TotalSpent = ledger.Credits(amounts[2])
	balance.CreatedAt = balance.CreatedAt.UTC()
	balance.UpdatedAt = balance.UpdatedAt.UTC()
	return balance, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionIDValue string
		userIDValue        string
		typeValue          string
		amount             int64
		metadataValue      string
		balanceAfter       int64
		transaction        ledger.Transaction
	)
	err := row.Scan(
		&transactionIDValue,
		&userIDValue,
		&typeValue,
		&amount,
		&transaction.Description,
		&transaction.PriceableItemID,
		&transaction.RelatedItemID,
		&transaction.ReservationID,
		&transaction.OriginalTransactionID,
		&metadataValue,
		&balanceAfter,
		&transaction.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.ID, err = ledger.NewTransactionID(transactionIDValue); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.Type, err = ledger.ParseTransactionType(typeValue); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.Metadata, err = ledger.NewMetadataJSON(metadataValue); err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Amount = ledger.Credits(amount)
	transaction.BalanceAfter = ledger.Credits(balanceAfter)
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	return transaction, nil
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		reservationIDValue string
		userIDValue        string
		itemIDValue        string
		amount             int64
		statusValue        string
		reservation        ledger.Reservation
	)
	err := row.Scan(
		&reservationIDValue,
		&userIDValue,
		&itemIDValue,
		&amount,
		&reservation.Description,
		&statusValue,
		&reservation.CancelReason,
		&reservation.ExpiresAt,
		&reservation.CreatedAt,
		&reservation.UpdatedAt,
	)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.ID, err = ledger.NewReservationID(reservationIDValue); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.ItemID, err = ledger.NewItemID(itemIDValue); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.Amount, err = ledger.NewCredits(amount); err != nil {
		return ledger.Reservation{}, err
	}
	if reservation.Status, err = ledger.ParseReservationStatus(statusValue); err != nil {
		return ledger.Reservation{}, err
	}
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	reservation.UpdatedAt = reservation.UpdatedAt.UTC()
	return reservation, nil
}

func collectReservations(rows pgx.Rows) ([]ledger.Reservation, error) {
	defer rows.Close()
	var reservations []ledger.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageUnavailable(err))
	}
	return reservations, nil
}

func isUniqueConflict(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
