package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestSpendDirectDebitsCurrentCost(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	if _, err := fixture.service.EnsureBalance(context.Background(), fixture.userID, testInitialGrant); err != nil {
		test.Fatalf("ensure balance: %v", err)
	}

	result, err := fixture.service.SpendDirect(context.Background(), SpendRequest{UserID: fixture.userID, ItemID: fixture.itemID, Description: " one shot "})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if result.AmountSpent != testItemCost || result.NewBalance != testInitialGrant-testItemCost {
		test.Fatalf("unexpected spend result: %+v", result)
	}
	spent := fixture.store.transactionsOfType(TransactionSpent)
	if len(spent) != 1 || spent[0].ReservationID != "" || spent[0].Description != "one shot" {
		test.Fatalf("unexpected spend rows: %+v", spent)
	}
}

func TestSpendDirectFailures(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()

	if _, err := fixture.service.SpendDirect(ctx, SpendRequest{UserID: fixture.userID, ItemID: fixture.itemID}); !errors.Is(err, ErrUserNotFound) {
		test.Fatalf(errorMismatchMessage, ErrUserNotFound, err)
	}
	if _, err := fixture.service.EnsureBalance(ctx, fixture.userID, 20); err != nil {
		test.Fatalf("ensure balance: %v", err)
	}
	_, err := fixture.service.SpendDirect(ctx, SpendRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Available != 20 || insufficient.Required != testItemCost {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
	if _, err := fixture.service.SpendDirect(ctx, SpendRequest{UserID: fixture.userID, ItemID: mustItemID(test, "missing")}); !errors.Is(err, ErrItemNotFound) {
		test.Fatalf(errorMismatchMessage, ErrItemNotFound, err)
	}
	if _, err := fixture.service.SpendDirect(ctx, SpendRequest{ItemID: fixture.itemID}); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidUserID, err)
	}
	if balance := fixture.balance(test); balance.Balance != 20 {
		test.Fatalf(errorMismatchMessage, Credits(20), balance.Balance)
	}
}

func TestEnsureBalanceGrantsOnce(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()

	first, err := fixture.service.EnsureBalance(ctx, fixture.userID, 50)
	if err != nil {
		test.Fatalf("ensure balance: %v", err)
	}
	second, err := fixture.service.EnsureBalance(ctx, fixture.userID, 50)
	if err != nil {
		test.Fatalf("repeat ensure balance: %v", err)
	}
	if first.Balance != 50 || second.Balance != 50 || second.TotalEarned != 50 {
		test.Fatalf("unexpected balances: %+v then %+v", first, second)
	}
	bonuses := fixture.store.transactionsOfType(TransactionBonus)
	if len(bonuses) != 1 || bonuses[0].BalanceAfter != 50 || bonuses[0].Description != defaultBonusDescription {
		test.Fatalf("expected one bonus row, got %+v", bonuses)
	}

	zeroUser := mustUserID(test, testOtherUserIdentifier)
	created, err := fixture.service.EnsureBalance(ctx, zeroUser, 0)
	if err != nil {
		test.Fatalf("ensure zero balance: %v", err)
	}
	if created.Balance != 0 || len(fixture.store.transactions) != 1 {
		test.Fatalf("zero grant must not write a transaction")
	}
	if _, err := fixture.service.EnsureBalance(ctx, zeroUser, -1); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCredits, err)
	}
}

func TestEarnCreatesBalanceWithInitialGrant(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)

	result, err := fixture.service.Earn(context.Background(), EarnRequest{
		UserID:        fixture.userID,
		Amount:        25,
		Type:          TransactionEarned,
		RelatedItemID: "referral-7",
	})
	if err != nil {
		test.Fatalf("earn: %v", err)
	}
	if result.NewBalance != testInitialGrant+25 {
		test.Fatalf(errorMismatchMessage, Credits(testInitialGrant+25), result.NewBalance)
	}
	balance := fixture.balance(test)
	if balance.TotalEarned != testInitialGrant+25 || balance.TotalSpent != 0 || !balance.IsConsistent() {
		test.Fatalf("unexpected balance: %+v", balance)
	}
	earned := fixture.store.transactionsOfType(TransactionEarned)
	if len(earned) != 1 || earned[0].RelatedItemID != "referral-7" || earned[0].Metadata.String() != emptyMetadataJSON {
		test.Fatalf("unexpected earned rows: %+v", earned)
	}
}

func TestEarnValidation(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	testCases := []struct {
		name    string
		request EarnRequest
		want    error
	}{
		{name: "missing user", request: EarnRequest{Amount: 1, Type: TransactionEarned}, want: ErrInvalidUserID},
		{name: "zero amount", request: EarnRequest{UserID: fixture.userID, Type: TransactionEarned}, want: ErrInvalidCredits},
		{name: "negative amount", request: EarnRequest{UserID: fixture.userID, Amount: -5, Type: TransactionEarned}, want: ErrInvalidCredits},
		{name: "spent type", request: EarnRequest{UserID: fixture.userID, Amount: 5, Type: TransactionSpent}, want: ErrInvalidTransactionType},
		{name: "unknown type", request: EarnRequest{UserID: fixture.userID, Amount: 5, Type: TransactionType("gift")}, want: ErrInvalidTransactionType},
	}
	for _, testCase := range testCases {
		_, err := fixture.service.Earn(context.Background(), testCase.request)
		if !errors.Is(err, testCase.want) {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.want, err)
		}
	}
	if len(fixture.store.balances) != 0 {
		test.Fatalf("rejected earns must not create balances")
	}
}

func TestEarnAcceptsBonusAndRefundTypes(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, WithInitialGrant(0))
	for _, transactionType := range []TransactionType{TransactionBonus, TransactionRefund} {
		if _, err := fixture.service.Earn(context.Background(), EarnRequest{UserID: fixture.userID, Amount: 10, Type: transactionType}); err != nil {
			test.Fatalf("earn %s: %v", transactionType, err)
		}
	}
	if balance := fixture.balance(test); balance.Balance != 20 || balance.TotalEarned != 20 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestRefundAgainstOriginalSpend(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()
	reservation := fixture.reserve(test)
	confirmed, err := fixture.service.Confirm(ctx, ConfirmRequest{ReservationID: reservation.ID, UserID: fixture.userID})
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}

	partial, err := fixture.service.Refund(ctx, RefundRequest{UserID: fixture.userID, Amount: 20, OriginalTransactionID: confirmed.TransactionID, Description: "partial outage"})
	if err != nil {
		test.Fatalf("partial refund: %v", err)
	}
	if partial.NewBalance != testInitialGrant-testItemCost+20 {
		test.Fatalf(errorMismatchMessage, Credits(testInitialGrant-testItemCost+20), partial.NewBalance)
	}
	refunds := fixture.store.transactionsOfType(TransactionRefund)
	if len(refunds) != 1 || refunds[0].OriginalTransactionID != confirmed.TransactionID.String() || refunds[0].PriceableItemID != testItemIdentifier {
		test.Fatalf("unexpected refund rows: %+v", refunds)
	}

	_, err = fixture.service.Refund(ctx, RefundRequest{UserID: fixture.userID, Amount: 11, OriginalTransactionID: confirmed.TransactionID})
	if !errors.Is(err, ErrOverRefund) {
		test.Fatalf(errorMismatchMessage, ErrOverRefund, err)
	}
	if balance := fixture.balance(test); balance.Balance != partial.NewBalance {
		test.Fatalf("over-refund must roll back, balance %d", balance.Balance)
	}

	rest, err := fixture.service.Refund(ctx, RefundRequest{UserID: fixture.userID, Amount: 10, OriginalTransactionID: confirmed.TransactionID})
	if err != nil {
		test.Fatalf("final refund: %v", err)
	}
	if rest.NewBalance != testInitialGrant {
		test.Fatalf(errorMismatchMessage, Credits(testInitialGrant), rest.NewBalance)
	}
	balance := fixture.balance(test)
	if balance.TotalSpent != testItemCost || balance.TotalEarned != testInitialGrant+testItemCost || !balance.IsConsistent() {
		test.Fatalf("refund must count as earned: %+v", balance)
	}
}

func TestRefundRejectsMismatchedOriginal(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()
	otherUser := mustUserID(test, testOtherUserIdentifier)
	earned, err := fixture.service.Earn(ctx, EarnRequest{UserID: fixture.userID, Amount: 5, Type: TransactionEarned})
	if err != nil {
		test.Fatalf("earn: %v", err)
	}
	spent, err := fixture.service.SpendDirect(ctx, SpendRequest{UserID: fixture.userID, ItemID: fixture.itemID})
	if err != nil {
		test.Fatalf("spend: %v", err)
	}

	testCases := []struct {
		name    string
		request RefundRequest
		want    error
	}{
		{name: "other user", request: RefundRequest{UserID: otherUser, Amount: 1, OriginalTransactionID: spent.TransactionID}, want: ErrRefundMismatch},
		{name: "not a spend", request: RefundRequest{UserID: fixture.userID, Amount: 1, OriginalTransactionID: earned.TransactionID}, want: ErrRefundMismatch},
		{name: "unknown original", request: RefundRequest{UserID: fixture.userID, Amount: 1, OriginalTransactionID: TransactionID{value: "missing"}}, want: ErrTransactionNotFound},
		{name: "zero amount", request: RefundRequest{UserID: fixture.userID, OriginalTransactionID: spent.TransactionID}, want: ErrInvalidCredits},
	}
	for _, testCase := range testCases {
		_, err := fixture.service.Refund(ctx, testCase.request)
		if !errors.Is(err, testCase.want) {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.want, err)
		}
	}
	if refunds := fixture.store.transactionsOfType(TransactionRefund); len(refunds) != 0 {
		test.Fatalf("rejected refunds must not be recorded, got %d", len(refunds))
	}
	if _, ok := fixture.store.balances[otherUser]; ok {
		test.Fatalf("rejected refund must not create a balance")
	}
}

func TestRefundWithoutOriginal(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test, WithInitialGrant(0))

	result, err := fixture.service.Refund(context.Background(), RefundRequest{UserID: fixture.userID, Amount: 7, Description: "goodwill"})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.NewBalance != 7 {
		test.Fatalf(errorMismatchMessage, Credits(7), result.NewBalance)
	}
}

func TestApplyDeltaRejectsOverdraft(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()
	if _, err := fixture.service.EnsureBalance(ctx, fixture.userID, 10); err != nil {
		test.Fatalf("ensure balance: %v", err)
	}

	_, err := fixture.service.ApplyDelta(ctx, DeltaRequest{UserID: fixture.userID, Amount: 11, Type: TransactionSpent})
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Available != 10 || insufficient.Required != 11 {
		test.Fatalf("expected insufficient credits, got %v", err)
	}

	result, err := fixture.service.ApplyDelta(ctx, DeltaRequest{UserID: fixture.userID, Amount: 10, Type: TransactionSpent})
	if err != nil {
		test.Fatalf("apply delta: %v", err)
	}
	if result.NewBalance != 0 || result.Balance.TotalSpent != 10 {
		test.Fatalf("unexpected delta result: %+v", result)
	}
}

func TestApplyDeltaCreateIfAbsent(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()

	if _, err := fixture.service.ApplyDelta(ctx, DeltaRequest{UserID: fixture.userID, Amount: 3, Type: TransactionEarned}); !errors.Is(err, ErrUserNotFound) {
		test.Fatalf(errorMismatchMessage, ErrUserNotFound, err)
	}
	result, err := fixture.service.ApplyDelta(ctx, DeltaRequest{UserID: fixture.userID, Amount: 3, Type: TransactionEarned, CreateIfAbsent: true})
	if err != nil {
		test.Fatalf("apply delta: %v", err)
	}
	if result.NewBalance != 3 {
		test.Fatalf(errorMismatchMessage, Credits(3), result.NewBalance)
	}
}

func TestGetSummary(test *testing.T) {
	test.Parallel()
	fixture := newServiceFixture(test)
	ctx := context.Background()

	empty, err := fixture.service.GetSummary(ctx, fixture.userID, 0)
	if err != nil {
		test.Fatalf("summary for unknown user: %v", err)
	}
	if empty.Balance.UserID != fixture.userID || empty.Balance.Balance != 0 || len(empty.RecentTransactions) != 0 {
		test.Fatalf("unexpected empty summary: %+v", empty)
	}

	reservation := fixture.reserve(test)
	if _, err := fixture.service.SpendDirect(ctx, SpendRequest{UserID: fixture.userID, ItemID: mustItemID(test, testOtherItemIdentifier)}); err != nil {
		test.Fatalf("spend: %v", err)
	}

	summary, err := fixture.service.GetSummary(ctx, fixture.userID, 1)
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.Balance.Balance != testInitialGrant-5 {
		test.Fatalf(errorMismatchMessage, Credits(testInitialGrant-5), summary.Balance.Balance)
	}
	if len(summary.RecentTransactions) != 1 || summary.RecentTransactions[0].Type != TransactionSpent {
		test.Fatalf("expected the latest transaction only, got %+v", summary.RecentTransactions)
	}
	if len(summary.PendingReservations) != 1 || summary.PendingReservations[0].ID != reservation.ID {
		test.Fatalf("unexpected pending reservations: %+v", summary.PendingReservations)
	}

	transactions, err := fixture.service.ListTransactions(ctx, fixture.userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected bonus and spend, got %d", len(transactions))
	}
}
