package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	methodWithTx                = "WithTx"
	methodGetBalance            = "GetBalance"
	methodCreateBalanceIfAbsent = "CreateBalanceIfAbsent"
	methodApplyDelta            = "ApplyDelta"
	methodInsertTransaction     = "InsertTransaction"
	methodGetTransaction        = "GetTransaction"
	methodSumRefunds            = "SumRefunds"
	methodCreateReservation     = "CreateReservation"
	methodGetReservation        = "GetReservation"
	methodTransition            = "TransitionReservation"
	methodListExpiredPending    = "ListExpiredPending"
	methodListReservations      = "ListReservations"
	methodPurgeReservations     = "PurgeReservations"

	testUserIdentifier      = "user-123"
	testOtherUserIdentifier = "user-456"
	testItemIdentifier      = "gpt-large"
	testOtherItemIdentifier = "gpt-small"
	testItemCost            = 30
	testInitialGrant        = 100
	testReservationTTL      = 30 * time.Minute

	errorMismatchMessage = "expected %v, got %v"
)

var (
	errStoreOffline = errors.New("store offline")
	testEpoch       = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)
)

// stubStore is an in-memory Store with per-method failure injection.
type stubStore struct {
	balances     map[UserID]UserBalance
	transactions []Transaction
	reservations map[ReservationID]Reservation

	failures map[string]error
	calls    map[string]int
	// beforeTransition runs once, ahead of the next TransitionReservation, to
	// simulate a writer that got there first.
	beforeTransition func(store *stubStore, transition ReservationTransition)
}

func newStubStore() *stubStore {
	return &stubStore{
		balances:     make(map[UserID]UserBalance),
		reservations: make(map[ReservationID]Reservation),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
	}
}

func (store *stubStore) fail(method string) error {
	store.calls[method]++
	return store.failures[method]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := store.fail(methodWithTx); err != nil {
		return err
	}
	balances := make(map[UserID]UserBalance, len(store.balances))
	for key, value := range store.balances {
		balances[key] = value
	}
	reservations := make(map[ReservationID]Reservation, len(store.reservations))
	for key, value := range store.reservations {
		reservations[key] = value
	}
	transactions := append([]Transaction(nil), store.transactions...)
	if err := fn(ctx, store); err != nil {
		store.balances = balances
		store.reservations = reservations
		store.transactions = transactions
		return err
	}
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (UserBalance, error) {
	if err := store.fail(methodGetBalance); err != nil {
		return UserBalance{}, err
	}
	balance, ok := store.balances[userID]
	if !ok {
		return UserBalance{}, ErrUserNotFound
	}
	return balance, nil
}

func (store *stubStore) CreateBalanceIfAbsent(_ context.Context, userID UserID, at time.Time) (UserBalance, bool, error) {
	if err := store.fail(methodCreateBalanceIfAbsent); err != nil {
		return UserBalance{}, false, err
	}
	if balance, ok := store.balances[userID]; ok {
		return balance, false, nil
	}
	balance := UserBalance{UserID: userID, CreatedAt: at, UpdatedAt: at}
	store.balances[userID] = balance
	return balance, true, nil
}

func (store *stubStore) ApplyDelta(_ context.Context, delta BalanceDelta) (UserBalance, error) {
	if err := store.fail(methodApplyDelta); err != nil {
		return UserBalance{}, err
	}
	balance, ok := store.balances[delta.UserID]
	if !ok {
		return UserBalance{}, ErrUserNotFound
	}
	if delta.RequireSufficient && balance.Balance+delta.Amount < 0 {
		return UserBalance{}, ErrInsufficientCredits
	}
	balance.Balance += delta.Amount
	balance.TotalEarned += delta.Earned
	balance.TotalSpent += delta.Spent
	balance.UpdatedAt = delta.At
	store.balances[delta.UserID] = balance
	return balance, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if err := store.fail(methodInsertTransaction); err != nil {
		return err
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	if err := store.fail(methodGetTransaction); err != nil {
		return Transaction{}, err
	}
	for _, transaction := range store.transactions {
		if transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	var listed []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID {
			listed = append(listed, store.transactions[index])
		}
	}
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

func (store *stubStore) SumRefunds(_ context.Context, originalTransactionID TransactionID) (Credits, error) {
	if err := store.fail(methodSumRefunds); err != nil {
		return 0, err
	}
	var total Credits
	for _, transaction := range store.transactions {
		if transaction.Type == TransactionRefund && transaction.OriginalTransactionID == originalTransactionID.String() {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	if err := store.fail(methodCreateReservation); err != nil {
		return err
	}
	if _, exists := store.reservations[reservation.ID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, userID UserID, reservationID ReservationID) (Reservation, error) {
	if err := store.fail(methodGetReservation); err != nil {
		return Reservation{}, err
	}
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.UserID != userID {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *stubStore) TransitionReservation(_ context.Context, transition ReservationTransition) (bool, error) {
	if err := store.fail(methodTransition); err != nil {
		return false, err
	}
	if hook := store.beforeTransition; hook != nil {
		store.beforeTransition = nil
		hook(store, transition)
	}
	reservation, ok := store.reservations[transition.ReservationID]
	if !ok || reservation.UserID != transition.UserID {
		return false, ErrReservationNotFound
	}
	if reservation.Status != transition.From {
		return false, nil
	}
	reservation.Status = transition.To
	reservation.CancelReason = transition.CancelReason
	reservation.UpdatedAt = transition.At
	store.reservations[transition.ReservationID] = reservation
	return true, nil
}

func (store *stubStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	if err := store.fail(methodListExpiredPending); err != nil {
		return nil, err
	}
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.IsExpiredAt(now) {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresAt.Before(expired[right].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) ListReservations(_ context.Context, userID UserID, filter ReservationFilter) ([]Reservation, error) {
	if err := store.fail(methodListReservations); err != nil {
		return nil, err
	}
	var listed []Reservation
	for _, reservation := range store.reservations {
		if reservation.UserID != userID {
			continue
		}
		if filter.Status != "" && reservation.Status != filter.Status {
			continue
		}
		listed = append(listed, reservation)
	}
	sort.Slice(listed, func(left, right int) bool {
		return listed[left].ID.String() < listed[right].ID.String()
	})
	if filter.Limit > 0 && len(listed) > filter.Limit {
		listed = listed[:filter.Limit]
	}
	return listed, nil
}

func (store *stubStore) PurgeReservations(_ context.Context, olderThan time.Time) (int64, error) {
	if err := store.fail(methodPurgeReservations); err != nil {
		return 0, err
	}
	var purged int64
	for key, reservation := range store.reservations {
		if reservation.Status.IsTerminal() && reservation.UpdatedAt.Before(olderThan) {
			delete(store.reservations, key)
			purged++
		}
	}
	return purged, nil
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	var matched []Transaction
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			matched = append(matched, transaction)
		}
	}
	return matched
}

type stubPricing struct {
	prices map[ItemID]ItemPrice
	err    error
}

func newStubPricing(test *testing.T, costs map[string]int64) *stubPricing {
	test.Helper()
	pricing := &stubPricing{prices: make(map[ItemID]ItemPrice, len(costs))}
	for raw, cost := range costs {
		itemID := mustItemID(test, raw)
		pricing.prices[itemID] = ItemPrice{ItemID: itemID, Cost: Credits(cost), Active: true}
	}
	return pricing
}

func (pricing *stubPricing) ItemPrice(_ context.Context, itemID ItemID) (ItemPrice, error) {
	if pricing.err != nil {
		return ItemPrice{}, pricing.err
	}
	price, ok := pricing.prices[itemID]
	if !ok {
		return ItemPrice{}, ErrItemNotFound
	}
	return price, nil
}

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

type serviceFixture struct {
	store   *stubStore
	pricing *stubPricing
	clock   *manualClock
	service *Service
	userID  UserID
	itemID  ItemID
}

func newServiceFixture(test *testing.T, options ...ServiceOption) serviceFixture {
	test.Helper()
	fixture := serviceFixture{
		store:   newStubStore(),
		pricing: newStubPricing(test, map[string]int64{testItemIdentifier: testItemCost, testOtherItemIdentifier: 5}),
		clock:   newManualClock(),
		userID:  mustUserID(test, testUserIdentifier),
		itemID:  mustItemID(test, testItemIdentifier),
	}
	defaults := []ServiceOption{WithReservationTTL(testReservationTTL), WithInitialGrant(testInitialGrant)}
	fixture.service = mustNewService(test, fixture.store, fixture.pricing, fixture.clock.Now, append(defaults, options...)...)
	return fixture
}

func (fixture serviceFixture) reserve(test *testing.T) Reservation {
	test.Helper()
	reservation, err := fixture.service.Reserve(context.Background(), ReserveRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return reservation
}

func (fixture serviceFixture) balance(test *testing.T) UserBalance {
	test.Helper()
	balance, err := fixture.service.GetBalance(context.Background(), fixture.userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	return balance
}

func mustNewService(test *testing.T, store Store, pricing PriceLookup, now func() time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, pricing, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustItemID(test *testing.T, raw string) ItemID {
	test.Helper()
	itemID, err := NewItemID(raw)
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	return itemID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
