package ledger

import (
	"context"
	"fmt"
	"strings"
)

// SpendRequest charges an item's current cost immediately.
type SpendRequest struct {
	UserID        UserID
	ItemID        ItemID
	RelatedItemID string
	Description   string
	Metadata      MetadataJSON
}

// SpendResult reports a direct debit.
type SpendResult struct {
	TransactionID TransactionID
	NewBalance    Credits
	AmountSpent   Credits
}

// SpendDirect debits the item's cost without a reservation. Only for operations
// whose outcome is known within the same call: there is no cancel step.
func (service *Service) SpendDirect(ctx context.Context, request SpendRequest) (SpendResult, error) {
	result, operationError := service.spendDirect(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:     operationSpendDirect,
		UserID:        request.UserID,
		TransactionID: result.TransactionID,
		ItemID:        request.ItemID,
		Amount:        result.AmountSpent,
		Error:         operationError,
	})
	if operationError != nil {
		return SpendResult{}, operationError
	}
	return result, nil
}

func (service *Service) spendDirect(ctx context.Context, request SpendRequest) (SpendResult, error) {
	if request.UserID.IsZero() {
		return SpendResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	price, err := service.itemPrice(ctx, request.ItemID)
	if err != nil {
		return SpendResult{}, err
	}
	var result SpendResult
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalance(ctx, request.UserID)
		if err != nil {
			return err
		}
		if balance.Balance < price.Cost {
			return InsufficientCreditsError{UserID: request.UserID, Required: price.Cost, Available: balance.Balance}
		}
		debit, err := service.applyDeltaInTx(ctx, transactionStore, DeltaRequest{
			UserID:          request.UserID,
			Amount:          price.Cost,
			Type:            TransactionSpent,
			Description:     strings.TrimSpace(request.Description),
			PriceableItemID: request.ItemID,
			RelatedItemID:   request.RelatedItemID,
			Metadata:        request.Metadata,
		}, service.nowFn())
		if err != nil {
			return err
		}
		result = SpendResult{
			TransactionID: debit.TransactionID,
			NewBalance:    debit.NewBalance,
			AmountSpent:   price.Cost,
		}
		return nil
	})
	if err != nil {
		return SpendResult{}, err
	}
	return result, nil
}
