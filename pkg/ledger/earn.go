package ledger

import (
	"context"
	"fmt"
	"strings"
)

// EarnRequest credits a user.
type EarnRequest struct {
	UserID        UserID
	Amount        Credits
	Type          TransactionType
	Description   string
	RelatedItemID string
	Metadata      MetadataJSON
}

// RefundRequest returns credits to a user, optionally against an earlier spend.
type RefundRequest struct {
	UserID                UserID
	Amount                Credits
	Description           string
	RelatedItemID         string
	OriginalTransactionID TransactionID
	Metadata              MetadataJSON
}

// CreditResult reports a credit written by Earn or Refund.
type CreditResult struct {
	TransactionID TransactionID
	NewBalance    Credits
}

// Earn credits a user with an earned, bonus, or refund transaction, creating the
// balance row if needed.
func (service *Service) Earn(ctx context.Context, request EarnRequest) (CreditResult, error) {
	result, operationError := service.credit(ctx, DeltaRequest{
		UserID:        request.UserID,
		Amount:        request.Amount,
		Type:          request.Type,
		Description:   strings.TrimSpace(request.Description),
		RelatedItemID: request.RelatedItemID,
		Metadata:      request.Metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationEarn,
		UserID:        request.UserID,
		TransactionID: result.TransactionID,
		Amount:        request.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

// Refund credits a user with a refund transaction. When OriginalTransactionID is
// set, the original must be a spend by the same user and the refunds recorded
// against it may not exceed what it spent.
func (service *Service) Refund(ctx context.Context, request RefundRequest) (CreditResult, error) {
	result, operationError := service.credit(ctx, DeltaRequest{
		UserID:                request.UserID,
		Amount:                request.Amount,
		Type:                  TransactionRefund,
		Description:           strings.TrimSpace(request.Description),
		RelatedItemID:         request.RelatedItemID,
		OriginalTransactionID: request.OriginalTransactionID,
		Metadata:              request.Metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        request.UserID,
		TransactionID: result.TransactionID,
		Amount:        request.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

func (service *Service) credit(ctx context.Context, request DeltaRequest) (CreditResult, error) {
	if request.UserID.IsZero() {
		return CreditResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return CreditResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if !request.Type.IsCredit() {
		return CreditResult{}, fmt.Errorf("%w: %q does not credit a balance", ErrInvalidTransactionType, request.Type.String())
	}
	var result CreditResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		var original Transaction
		if !request.OriginalTransactionID.IsZero() {
			loaded, err := transactionStore.GetTransaction(ctx, request.OriginalTransactionID)
			if err != nil {
				return err
			}
			if loaded.UserID != request.UserID {
				return fmt.Errorf("%w: transaction %s belongs to another user", ErrRefundMismatch, loaded.ID)
			}
			if loaded.Type != TransactionSpent {
				return fmt.Errorf("%w: transaction %s is %s", ErrRefundMismatch, loaded.ID, loaded.Type)
			}
			original = loaded
			request.PriceableItemID = ItemID{value: loaded.PriceableItemID}
		}
		if _, err := service.ensureBalanceInTx(ctx, transactionStore, request.UserID, service.initialGrant, now); err != nil {
			return err
		}
		applied, err := service.applyDeltaInTx(ctx, transactionStore, request, now)
		if err != nil {
			return err
		}
		// The balance row is locked by the delta above, so concurrent refunds of
		// the same original are serialized before this sum.
		if !original.ID.IsZero() {
			refunded, err := transactionStore.SumRefunds(ctx, original.ID)
			if err != nil {
				return err
			}
			if refunded > original.Amount.Abs() {
				return fmt.Errorf("%w: transaction %s spent %d, refunds would total %d", ErrOverRefund, original.ID, original.Amount.Abs(), refunded)
			}
		}
		result = CreditResult{TransactionID: applied.TransactionID, NewBalance: applied.NewBalance}
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}
	return result, nil
}
