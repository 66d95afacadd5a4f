package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	ReservationID ReservationID
	TransactionID TransactionID
	ItemID        ItemID
	Amount        Credits
	Status        string
	Error         error
}

// WithOperationLogger adds a logger that receives callbacks for every operation.
// It may be passed more than once.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithReservationTTL overrides the reservation deadline offset.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.reservationTTL = ttl
	}
}

// WithInitialGrant credits newly created balances with a one-time bonus.
func WithInitialGrant(amount Credits) ServiceOption {
	return func(service *Service) {
		service.initialGrant = amount
	}
}

// WithReservationIDGenerator replaces the default prefixed id generator.
func WithReservationIDGenerator(generate func() (ReservationID, error)) ServiceOption {
	return func(service *Service) {
		service.newReservationID = generate
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
