package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

// GenerateReservationID returns a sortable, prefixed reservation handle such as "rsv_01h2x...".
func GenerateReservationID() (ReservationID, error) {
	generated, err := typeid.Generate(reservationIDPrefix)
	if err != nil {
		return ReservationID{}, fmt.Errorf("generate reservation id: %w", err)
	}
	return NewReservationID(generated.String())
}

// IsGeneratedReservationID reports whether raw parses as a handle produced by GenerateReservationID.
func IsGeneratedReservationID(raw string) bool {
	parsed, err := typeid.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.Prefix() == reservationIDPrefix
}

func generateTransactionID() TransactionID {
	return TransactionID{value: uuid.NewString()}
}
