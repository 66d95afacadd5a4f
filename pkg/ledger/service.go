package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the credit ledger and reservation engine over a Store.
type Service struct {
	store            Store
	pricing          PriceLookup
	nowFn            func() time.Time
	loggers          []OperationLogger
	reservationTTL   time.Duration
	initialGrant     Credits
	newReservationID func() (ReservationID, error)
}

// NewService wires a Service.
func NewService(store Store, pricing PriceLookup, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		pricing:          pricing,
		nowFn:            now,
		reservationTTL:   defaultReservationTTL,
		newReservationID: GenerateReservationID,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.reservationTTL <= 0 {
		return nil, fmt.Errorf("%w: reservation ttl must be positive", ErrInvalidServiceConfig)
	}
	if service.initialGrant < 0 {
		return nil, fmt.Errorf("%w: initial grant must not be negative", ErrInvalidServiceConfig)
	}
	if service.newReservationID == nil {
		return nil, fmt.Errorf("%w: reservation id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// ReservationTTL returns the configured deadline offset.
func (service *Service) ReservationTTL() time.Duration {
	return service.reservationTTL
}

// DeltaRequest describes one balance mutation. Amount is the positive magnitude;
// the sign and the lifetime counter it moves are derived from Type.
type DeltaRequest struct {
	UserID                UserID
	Amount                Credits
	Type                  TransactionType
	Description           string
	PriceableItemID       ItemID
	RelatedItemID         string
	ReservationID         ReservationID
	OriginalTransactionID TransactionID
	Metadata              MetadataJSON
	// CreateIfAbsent creates the balance row before applying the delta.
	CreateIfAbsent bool
}

// DeltaResult reports the transaction written by a balance mutation.
type DeltaResult struct {
	TransactionID TransactionID
	NewBalance    Credits
	Balance       UserBalance
}

// GetBalance returns the user's balance row or ErrUserNotFound.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (UserBalance, error) {
	if userID.IsZero() {
		return UserBalance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.GetBalance(ctx, userID)
}

// EnsureBalance creates the balance row if absent. A positive initialGrant is
// recorded as a bonus transaction only when the row is created by this call.
func (service *Service) EnsureBalance(ctx context.Context, userID UserID, initialGrant Credits) (UserBalance, error) {
	if userID.IsZero() {
		return UserBalance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if initialGrant < 0 {
		return UserBalance{}, fmt.Errorf("%w: initial grant must not be negative", ErrInvalidCredits)
	}
	var balance UserBalance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ensured, err := service.ensureBalanceInTx(ctx, transactionStore, userID, initialGrant, service.nowFn())
		if err != nil {
			return err
		}
		balance = ensured
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsureBalance,
		UserID:    userID,
		Amount:    initialGrant,
		Error:     operationError,
	})
	if operationError != nil {
		return UserBalance{}, operationError
	}
	return balance, nil
}

// ApplyDelta is the single mutation primitive for balances: it moves the balance and
// the matching lifetime counter and appends a transaction carrying the resulting
// balance, all in one store transaction.
func (service *Service) ApplyDelta(ctx context.Context, request DeltaRequest) (DeltaResult, error) {
	var result DeltaResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := service.applyDeltaInTx(ctx, transactionStore, request, service.nowFn())
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationApplyDelta,
		UserID:        request.UserID,
		ReservationID: request.ReservationID,
		TransactionID: result.TransactionID,
		ItemID:        request.PriceableItemID,
		Amount:        request.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return DeltaResult{}, operationError
	}
	return result, nil
}

func (service *Service) ensureBalanceInTx(ctx context.Context, transactionStore Store, userID UserID, initialGrant Credits, now time.Time) (UserBalance, error) {
	balance, created, err := transactionStore.CreateBalanceIfAbsent(ctx, userID, now)
	if err != nil {
		return UserBalance{}, err
	}
	if !created || initialGrant <= 0 {
		return balance, nil
	}
	granted, err := service.applyDeltaInTx(ctx, transactionStore, DeltaRequest{
		UserID:      userID,
		Amount:      initialGrant,
		Type:        TransactionBonus,
		Description: defaultBonusDescription,
	}, now)
	if err != nil {
		return UserBalance{}, err
	}
	return granted.Balance, nil
}

func (service *Service) applyDeltaInTx(ctx context.Context, transactionStore Store, request DeltaRequest, now time.Time) (DeltaResult, error) {
	if request.UserID.IsZero() {
		return DeltaResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return DeltaResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	effect, err := request.Type.effect(request.Amount)
	if err != nil {
		return DeltaResult{}, err
	}
	if request.CreateIfAbsent {
		if _, _, err := transactionStore.CreateBalanceIfAbsent(ctx, request.UserID, now); err != nil {
			return DeltaResult{}, err
		}
	}
	updated, err := transactionStore.ApplyDelta(ctx, BalanceDelta{
		UserID:            request.UserID,
		Amount:            effect.Signed,
		Earned:            effect.Earned,
		Spent:             effect.Spent,
		RequireSufficient: effect.Signed < 0,
		At:                now,
	})
	if errors.Is(err, ErrInsufficientCredits) {
		return DeltaResult{}, service.insufficientCredits(ctx, transactionStore, request.UserID, request.Amount)
	}
	if err != nil {
		return DeltaResult{}, err
	}
	transaction := Transaction{
		ID:                    generateTransactionID(),
		UserID:                request.UserID,
		Type:                  request.Type,
		Amount:                effect.Signed,
		Description:           request.Description,
		PriceableItemID:       request.PriceableItemID.String(),
		RelatedItemID:         request.RelatedItemID,
		ReservationID:         request.ReservationID.String(),
		OriginalTransactionID: request.OriginalTransactionID.String(),
		Metadata:              request.Metadata,
		BalanceAfter:          updated.Balance,
		CreatedAt:             now,
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return DeltaResult{}, err
	}
	return DeltaResult{
		TransactionID: transaction.ID,
		NewBalance:    updated.Balance,
		Balance:       updated,
	}, nil
}

func (service *Service) insufficientCredits(ctx context.Context, store Store, userID UserID, required Credits) error {
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	return InsufficientCreditsError{UserID: userID, Required: required, Available: balance.Balance}
}

func (service *Service) itemPrice(ctx context.Context, itemID ItemID) (ItemPrice, error) {
	if itemID.IsZero() {
		return ItemPrice{}, fmt.Errorf("%w: empty value", ErrInvalidItemID)
	}
	price, err := service.pricing.ItemPrice(ctx, itemID)
	if err != nil {
		return ItemPrice{}, err
	}
	if !price.Active {
		return ItemPrice{}, fmt.Errorf("%w: %s", ErrItemInactive, itemID)
	}
	if price.Cost <= 0 {
		return ItemPrice{}, fmt.Errorf("%w: item %s has non-positive cost", ErrInvalidCredits, itemID)
	}
	return price, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultTransactionPage
	}
	if limit > maxTransactionPage {
		return maxTransactionPage
	}
	return limit
}
