package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionPrimary = "credit_transactions_pkey"
	constraintReservationPrimary = "reservations_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorSubjectReservation      = "reservation"
	errorSubjectMonitoring       = "monitoring"
	errorCodeApplyDelta          = "apply_delta"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodePurge               = "purge"
	errorCodeQuery               = "query"
	errorCodeSum                 = "sum"
	errorCodeTransition          = "transition"
)

// Store implements ledger.Store and monitoring.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.UserBalance, error) {
	var model UserBalance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.StorageUnavailable(err))
	}
	balance, err := mapUserBalance(model)
	if err != nil {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CreateBalanceIfAbsent(ctx context.Context, userID ledger.UserID, at time.Time) (ledger.UserBalance, bool, error) {
	model := UserBalance{UserID: userID.String(), CreatedAt: at.UTC(), UpdatedAt: at.UTC()}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return ledger.UserBalance{}, false, wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.StorageUnavailable(result.Error))
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return ledger.UserBalance{}, false, err
	}
	return balance, result.RowsAffected == 1, nil
}

func (store *Store) ApplyDelta(ctx context.Context, delta ledger.BalanceDelta) (ledger.UserBalance, error) {
	query := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", delta.UserID.String())
	if delta.RequireSufficient {
		query = query.Where("balance + ? >= 0", delta.Amount.Int64())
	}
	result := query.Updates(map[string]interface{}{
		"balance":      gorm.Expr("balance + ?", delta.Amount.Int64()),
		"total_earned": gorm.Expr("total_earned + ?", delta.Earned.Int64()),
		"total_spent":  gorm.Expr("total_spent + ?", delta.Spent.Int64()),
		"updated_at":   delta.At.UTC(),
	})
	if result.Error != nil {
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.StorageUnavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetBalance(ctx, delta.UserID); err != nil {
			return ledger.UserBalance{}, err
		}
		return ledger.UserBalance{}, wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientCredits)
	}
	return store.GetBalance(ctx, delta.UserID)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := CreditTransaction{
		TransactionID:         transaction.ID.String(),
		UserID:                transaction.UserID.String(),
		Type:                  transaction.Type.String(),
		Amount:                transaction.Amount.Int64(),
		Description:           transaction.Description,
		PriceableItemID:       optionalString(transaction.PriceableItemID),
		RelatedItemID:         optionalString(transaction.RelatedItemID),
		ReservationID:         optionalString(transaction.ReservationID),
		OriginalTransactionID: optionalString(transaction.OriginalTransactionID),
		Metadata:              datatypesJSON(transaction.Metadata.String()),
		BalanceAfter:          transaction.BalanceAfter.Int64(),
		CreatedAt:             transaction.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintTransactionPrimary) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrValidation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.StorageUnavailable(err))
	}
	transaction, err := mapCreditTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditTransaction
	err := query.Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.StorageUnavailable(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumRefunds(ctx context.Context, originalTransactionID ledger.TransactionID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("cast(coalesce(sum(amount),0) as bigint) as total").
		Where("type = ? AND original_transaction_id = ?", ledger.TransactionRefund.String(), originalTransactionID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.StorageUnavailable(err))
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ID.String(),
		UserID:        reservation.UserID.String(),
		ItemID:        reservation.ItemID.String(),
		Amount:        reservation.Amount.Int64(),
		Description:   reservation.Description,
		Status:        reservation.Status.String(),
		CancelReason:  reservation.CancelReason,
		ExpiresAt:     reservation.ExpiresAt.UTC(),
		CreatedAt:     reservation.CreatedAt.UTC(),
		UpdatedAt:     reservation.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, ledger.StorageUnavailable(err))
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("reservation_id = ? AND user_id = ?", reservationID.String(), userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.StorageUnavailable(err))
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) TransitionReservation(ctx context.Context, transition ledger.ReservationTransition) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND user_id = ? AND status = ?", transition.ReservationID.String(), transition.UserID.String(), transition.From.String()).
		Updates(map[string]interface{}{
			"status":        transition.To.String(),
			"cancel_reason": transition.CancelReason,
			"updated_at":    transition.At.UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeTransition, ledger.StorageUnavailable(result.Error))
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := store.GetReservation(ctx, transition.UserID, transition.ReservationID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", ledger.ReservationStatusPending.String(), now.UTC())
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Reservation
	err := query.Order("expires_at ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageUnavailable(err))
	}
	return mapReservations(rows)
}

func (store *Store) ListReservations(ctx context.Context, userID ledger.UserID, filter ledger.ReservationFilter) ([]ledger.Reservation, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Reservation
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageUnavailable(err))
	}
	return mapReservations(rows)
}

func (store *Store) PurgeReservations(ctx context.Context, olderThan time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{ledger.ReservationStatusConfirmed.String(), ledger.ReservationStatusCancelled.String()}, olderThan.UTC()).
		Delete(&Reservation{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodePurge, ledger.StorageUnavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapUserBalance(model UserBalance) (ledger.UserBalance, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.UserBalance{}, err
	}
	return ledger.UserBalance{
		UserID:      userID,
		Balance:     ledger.Credits(model.Balance),
		TotalEarned: ledger.Credits(model.TotalEarned),
		TotalSpent:  ledger.Credits(model.TotalSpent),
		CreatedAt:   model.CreatedAt.UTC(),
		UpdatedAt:   model.UpdatedAt.UTC(),
	}, nil
}

func mapCreditTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:                    transactionID,
		UserID:                userID,
		Type:                  transactionType,
		Amount:                ledger.Credits(row.Amount),
		Description:           row.Description,
		PriceableItemID:       stringOrEmpty(row.PriceableItemID),
		RelatedItemID:         stringOrEmpty(row.RelatedItemID),
		ReservationID:         stringOrEmpty(row.ReservationID),
		OriginalTransactionID: stringOrEmpty(row.OriginalTransactionID),
		Metadata:              metadata,
		BalanceAfter:          ledger.Credits(row.BalanceAfter),
		CreatedAt:             row.CreatedAt.UTC(),
	}, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	reservationID, err := ledger.NewReservationID(model.ReservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	itemID, err := ledger.NewItemID(model.ItemID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewCredits(model.Amount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ID:           reservationID,
		UserID:       userID,
		ItemID:       itemID,
		Amount:       amount,
		Description:  model.Description,
		Status:       status,
		CancelReason: model.CancelReason,
		ExpiresAt:    model.ExpiresAt.UTC(),
		CreatedAt:    model.CreatedAt.UTC(),
		UpdatedAt:    model.UpdatedAt.UTC(),
	}, nil
}

func mapReservations(rows []Reservation) ([]ledger.Reservation, error) {
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
