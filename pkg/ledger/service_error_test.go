package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	caseNilStore         = "nil store"
	caseNilPricing       = "nil pricing"
	caseNilClock         = "nil clock"
	caseZeroTTL          = "zero ttl"
	caseNegativeGrant    = "negative initial grant"
	caseNilIDGenerator   = "nil id generator"
	caseReserveCreate    = "reserve create balance"
	caseReserveInsert    = "reserve create reservation"
	caseConfirmLoad      = "confirm load reservation"
	caseConfirmBalance   = "confirm balance check"
	caseConfirmCAS       = "confirm transition"
	caseCancelLoad       = "cancel load reservation"
	caseCancelCAS        = "cancel transition"
	caseSpendApply       = "spend apply delta"
	caseSpendTx          = "spend transaction"
	caseEarnInsert       = "earn insert transaction"
	caseRefundOriginal   = "refund load original"
	caseRefundSum        = "refund sum"
	caseEnsureCreate     = "ensure balance create"
	caseGeneratorFailure = "reservation id generator"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	pricing := newStubPricing(test, nil)
	now := newManualClock().Now
	testCases := []struct {
		name    string
		store   Store
		pricing PriceLookup
		now     func() time.Time
		options []ServiceOption
	}{
		{name: caseNilStore, pricing: pricing, now: now},
		{name: caseNilPricing, store: store, now: now},
		{name: caseNilClock, store: store, pricing: pricing},
		{name: caseZeroTTL, store: store, pricing: pricing, now: now, options: []ServiceOption{WithReservationTTL(0)}},
		{name: caseNegativeGrant, store: store, pricing: pricing, now: now, options: []ServiceOption{WithInitialGrant(-1)}},
		{name: caseNilIDGenerator, store: store, pricing: pricing, now: now, options: []ServiceOption{WithReservationIDGenerator(nil)}},
	}
	for _, testCase := range testCases {
		_, err := NewService(testCase.store, testCase.pricing, testCase.now, testCase.options...)
		if !errors.Is(err, ErrInvalidServiceConfig) {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, ErrInvalidServiceConfig, err)
		}
	}
	service, err := NewService(store, pricing, now, nil)
	if err != nil {
		test.Fatalf("nil options must be ignored: %v", err)
	}
	if service.ReservationTTL() != defaultReservationTTL {
		test.Fatalf(errorMismatchMessage, defaultReservationTTL, service.ReservationTTL())
	}
}

func TestServiceSurfacesStoreFailures(test *testing.T) {
	test.Parallel()
	storeError := StorageUnavailable(errStoreOffline)
	testCases := []struct {
		name   string
		method string
		// prepare runs before the failure is injected.
		prepare func(test *testing.T, fixture serviceFixture) Reservation
		act     func(fixture serviceFixture, reservation Reservation) error
	}{
		{
			name:   caseReserveCreate,
			method: methodCreateBalanceIfAbsent,
			act: func(fixture serviceFixture, _ Reservation) error {
				_, err := fixture.service.Reserve(context.Background(), ReserveRequest{UserID: fixture.userID, ItemID: fixture.itemID})
				return err
			},
		},
		{
			name:    caseReserveInsert,
			method:  methodCreateReservation,
			prepare: reserveForFailure,
			act: func(fixture serviceFixture, _ Reservation) error {
				_, err := fixture.service.Reserve(context.Background(), ReserveRequest{UserID: fixture.userID, ItemID: fixture.itemID})
				return err
			},
		},
		{
			name:    caseConfirmLoad,
			method:  methodGetReservation,
			prepare: reserveForFailure,
			act:     confirmForFailure,
		},
		{
			name:    caseConfirmBalance,
			method:  methodGetBalance,
			prepare: reserveForFailure,
			act:     confirmForFailure,
		},
		{
			name:    caseConfirmCAS,
			method:  methodTransition,
			prepare: reserveForFailure,
			act:     confirmForFailure,
		},
		{
			name:    caseCancelLoad,
			method:  methodGetReservation,
			prepare: reserveForFailure,
			act:     cancelForFailure,
		},
		{
			name:    caseCancelCAS,
			method:  methodTransition,
			prepare: reserveForFailure,
			act:     cancelForFailure,
		},
		{
			name:    caseSpendApply,
			method:  methodApplyDelta,
			prepare: reserveForFailure,
			act:     spendForFailure,
		},
		{
			name:    caseSpendTx,
			method:  methodWithTx,
			prepare: reserveForFailure,
			act:     spendForFailure,
		},
		{
			name:   caseEarnInsert,
			method: methodInsertTransaction,
			act: func(fixture serviceFixture, _ Reservation) error {
				_, err := fixture.service.Earn(context.Background(), EarnRequest{UserID: fixture.userID, Amount: 10, Type: TransactionEarned})
				return err
			},
		},
		{
			name:    caseRefundOriginal,
			method:  methodGetTransaction,
			prepare: reserveForFailure,
			act: func(fixture serviceFixture, _ Reservation) error {
				_, err := fixture.service.Refund(context.Background(), RefundRequest{
					UserID:                fixture.userID,
					Amount:                1,
					OriginalTransactionID: TransactionID{value: "txn-1"},
				})
				return err
			},
		},
		{
			name:   caseRefundSum,
			method: methodSumRefunds,
			prepare: func(test *testing.T, fixture serviceFixture) Reservation {
				reservation := reserveForFailure(test, fixture)
				if err := confirmForFailure(fixture, reservation); err != nil {
					test.Fatalf("confirm: %v", err)
				}
				return reservation
			},
			act: func(fixture serviceFixture, _ Reservation) error {
				spent := fixture.store.transactionsOfType(TransactionSpent)
				_, err := fixture.service.Refund(context.Background(), RefundRequest{
					UserID:                fixture.userID,
					Amount:                1,
					OriginalTransactionID: spent[0].ID,
				})
				return err
			},
		},
		{
			name:   caseEnsureCreate,
			method: methodCreateBalanceIfAbsent,
			act: func(fixture serviceFixture, _ Reservation) error {
				_, err := fixture.service.EnsureBalance(context.Background(), fixture.userID, 0)
				return err
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newServiceFixture(test)
			var reservation Reservation
			if testCase.prepare != nil {
				reservation = testCase.prepare(test, fixture)
			}
			balancesBefore := len(fixture.store.balances)
			transactionsBefore := len(fixture.store.transactions)
			fixture.store.failures[testCase.method] = storeError

			err := testCase.act(fixture, reservation)
			if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, errStoreOffline) {
				test.Fatalf(errorMismatchMessage, storeError, err)
			}
			if len(fixture.store.transactions) != transactionsBefore {
				test.Fatalf("failed operation must not append transactions")
			}
			if len(fixture.store.balances) != balancesBefore {
				test.Fatalf("failed operation must not create balances")
			}
		})
	}
}

func TestReserveSurfacesGeneratorFailure(test *testing.T) {
	test.Parallel()
	generatorError := errors.New("entropy exhausted")
	fixture := newServiceFixture(test, WithReservationIDGenerator(func() (ReservationID, error) {
		return ReservationID{}, generatorError
	}))

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	if !errors.Is(err, generatorError) {
		test.Fatalf("%s: "+errorMismatchMessage, caseGeneratorFailure, generatorError, err)
	}
	if len(fixture.store.reservations) != 0 {
		test.Fatalf("expected no reservation to be stored")
	}
}

func TestReserveSurfacesPricingFailure(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	fixture.pricing.err = StorageUnavailable(errStoreOffline)

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	if !errors.Is(err, ErrStorageUnavailable) {
		test.Fatalf(errorMismatchMessage, ErrStorageUnavailable, err)
	}
	if len(fixture.store.balances) != 0 {
		test.Fatalf("pricing failure must stop before the balance is created")
	}
}

func reserveForFailure(test *testing.T, fixture serviceFixture) Reservation {
	test.Helper()
	return fixture.reserve(test)
}

func confirmForFailure(fixture serviceFixture, reservation Reservation) error {
	_, err := fixture.service.Confirm(context.Background(), ConfirmRequest{ReservationID: reservation.ID, UserID: fixture.userID})
	return err
}

func cancelForFailure(fixture serviceFixture, reservation Reservation) error {
	_, err := fixture.service.Cancel(context.Background(), CancelRequest{ReservationID: reservation.ID, UserID: fixture.userID})
	return err
}

func spendForFailure(fixture serviceFixture, _ Reservation) error {
	_, err := fixture.service.SpendDirect(context.Background(), SpendRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	return err
}
