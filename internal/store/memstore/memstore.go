// Package memstore keeps the ledger in process memory. A single mutex serializes
// every call; WithTx holds it for the whole callback and restores a snapshot when
// the callback fails.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "transaction"
	errorSubjectReservation = "reservation"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeTransition     = "transition"
)

type data struct {
	balances     map[ledger.UserID]ledger.UserBalance
	transactions []ledger.Transaction
	reservations map[ledger.ReservationID]ledger.Reservation
}

func newData() *data {
	return &data{
		balances:     make(map[ledger.UserID]ledger.UserBalance),
		reservations: make(map[ledger.ReservationID]ledger.Reservation),
	}
}

func (snapshot *data) clone() *data {
	cloned := &data{
		balances:     make(map[ledger.UserID]ledger.UserBalance, len(snapshot.balances)),
		transactions: append([]ledger.Transaction(nil), snapshot.transactions...),
		reservations: make(map[ledger.ReservationID]ledger.Reservation, len(snapshot.reservations)),
	}
	for key, value := range snapshot.balances {
		cloned.balances[key] = value
	}
	for key, value := range snapshot.reservations {
		cloned.reservations[key] = value
	}
	return cloned
}

type state struct {
	mutex sync.Mutex
	data  *data
}

// Store implements ledger.Store and monitoring.Store in memory.
type Store struct {
	state *state
	inTx  bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: &state{data: newData()}}
}

// WithTx executes fn while holding the store lock, rolling back on error.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.state.mutex.Lock()
	defer store.state.mutex.Unlock()
	snapshot := store.state.data.clone()
	if err := fn(ctx, &Store{state: store.state, inTx: true}); err != nil {
		store.state.data = snapshot
		return err
	}
	return nil
}

func (store *Store) read(fn func(current *data) error) error {
	if !store.inTx {
		store.state.mutex.Lock()
		defer store.state.mutex.Unlock()
	}
	return fn(store.state.data)
}

func (store *Store) GetBalance(_ context.Context, userID ledger.UserID) (ledger.UserBalance, error) {
	var balance ledger.UserBalance
	err := store.read(func(current *data) error {
		found, ok := current.balances[userID]
		if !ok {
			return wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUserNotFound)
		}
		balance = found
		return nil
	})
	return balance, err
}

func (store *Store) CreateBalanceIfAbsent(_ context.Context, userID ledger.UserID, at time.Time) (ledger.UserBalance, bool, error) {
	var (
		balance ledger.UserBalance
		created bool
	)
	err := store.read(func(current *data) error {
		if found, ok := current.balances[userID]; ok {
			balance = found
			return nil
		}
		balance = ledger.UserBalance{UserID: userID, CreatedAt: at.UTC(), UpdatedAt: at.UTC()}
		current.balances[userID] = balance
		created = true
		return nil
	})
	return balance, created, err
}

func (store *Store) ApplyDelta(_ context.Context, delta ledger.BalanceDelta) (ledger.UserBalance, error) {
	var balance ledger.UserBalance
	err := store.read(func(current *data) error {
		found, ok := current.balances[delta.UserID]
		if !ok {
			return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrUserNotFound)
		}
		if delta.RequireSufficient && found.Balance+delta.Amount < 0 {
			return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientCredits)
		}
		found.Balance += delta.Amount
		found.TotalEarned += delta.Earned
		found.TotalSpent += delta.Spent
		found.UpdatedAt = delta.At.UTC()
		current.balances[delta.UserID] = found
		balance = found
		return nil
	})
	return balance, err
}

func (store *Store) InsertTransaction(_ context.Context, transaction ledger.Transaction) error {
	return store.read(func(current *data) error {
		for _, existing := range current.transactions {
			if existing.ID == transaction.ID {
				return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, fmt.Errorf("%w: transaction %s exists", ledger.ErrValidation, transaction.ID))
			}
		}
		transaction.CreatedAt = transaction.CreatedAt.UTC()
		current.transactions = append(current.transactions, transaction)
		return nil
	})
}

func (store *Store) GetTransaction(_ context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var transaction ledger.Transaction
	err := store.read(func(current *data) error {
		for _, existing := range current.transactions {
			if existing.ID == transactionID {
				transaction = existing
				return nil
			}
		}
		return wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrTransactionNotFound)
	})
	return transaction, err
}

func (store *Store) ListTransactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var transactions []ledger.Transaction
	err := store.read(func(current *data) error {
		for index := len(current.transactions) - 1; index >= 0; index-- {
			if limit > 0 && len(transactions) >= limit {
				break
			}
			if current.transactions[index].UserID == userID {
				transactions = append(transactions, current.transactions[index])
			}
		}
		return nil
	})
	return transactions, err
}

func (store *Store) SumRefunds(_ context.Context, originalTransactionID ledger.TransactionID) (ledger.Credits, error) {
	var total ledger.Credits
	err := store.read(func(current *data) error {
		for _, transaction := range current.transactions {
			if transaction.Type == ledger.TransactionRefund && transaction.OriginalTransactionID == originalTransactionID.String() {
				total += transaction.Amount
			}
		}
		return nil
	})
	return total, err
}

func (store *Store) CreateReservation(_ context.Context, reservation ledger.Reservation) error {
	return store.read(func(current *data) error {
		if _, exists := current.reservations[reservation.ID]; exists {
			return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
		}
		reservation.CreatedAt = reservation.CreatedAt.UTC()
		reservation.UpdatedAt = reservation.UpdatedAt.UTC()
		reservation.ExpiresAt = reservation.ExpiresAt.UTC()
		current.reservations[reservation.ID] = reservation
		return nil
	})
}

func (store *Store) GetReservation(_ context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var reservation ledger.Reservation
	err := store.read(func(current *data) error {
		found, ok := current.reservations[reservationID]
		if !ok || found.UserID != userID {
			return wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
		}
		reservation = found
		return nil
	})
	return reservation, err
}

func (store *Store) TransitionReservation(_ context.Context, transition ledger.ReservationTransition) (bool, error) {
	var changed bool
	err := store.read(func(current *data) error {
		found, ok := current.reservations[transition.ReservationID]
		if !ok || found.UserID != transition.UserID {
			return wrapStoreError(errorSubjectReservation, errorCodeTransition, ledger.ErrReservationNotFound)
		}
		if found.Status != transition.From {
			return nil
		}
		found.Status = transition.To
		found.CancelReason = transition.CancelReason
		found.UpdatedAt = transition.At.UTC()
		current.reservations[transition.ReservationID] = found
		changed = true
		return nil
	})
	return changed, err
}

func (store *Store) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	var expired []ledger.Reservation
	err := store.read(func(current *data) error {
		for _, reservation := range current.reservations {
			if reservation.Status == ledger.ReservationStatusPending && reservation.ExpiresAt.Before(now) {
				expired = append(expired, reservation)
			}
		}
		return nil
	})
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresAt.Before(expired[right].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, err
}

func (store *Store) ListReservations(_ context.Context, userID ledger.UserID, filter ledger.ReservationFilter) ([]ledger.Reservation, error) {
	var reservations []ledger.Reservation
	err := store.read(func(current *data) error {
		for _, reservation := range current.reservations {
			if reservation.UserID != userID {
				continue
			}
			if filter.Status != "" && reservation.Status != filter.Status {
				continue
			}
			reservations = append(reservations, reservation)
		}
		return nil
	})
	sort.Slice(reservations, func(left, right int) bool {
		return reservations[left].CreatedAt.After(reservations[right].CreatedAt)
	})
	if filter.Limit > 0 && len(reservations) > filter.Limit {
		reservations = reservations[:filter.Limit]
	}
	return reservations, err
}

func (store *Store) PurgeReservations(_ context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := store.read(func(current *data) error {
		for key, reservation := range current.reservations {
			if reservation.Status.IsTerminal() && reservation.UpdatedAt.Before(olderThan) {
				delete(current.reservations, key)
				purged++
			}
		}
		return nil
	})
	return purged, err
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
