package payments

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/ride-stream/internal/models"
)

// LocalCreator mints payment sessions without a provider. Used for local
// runs when no Stripe key is configured, mirroring the gateway's other
// in-memory fallbacks.
type LocalCreator struct {
	Currency string
}

func (l *LocalCreator) CreateSession(ctx context.Context, trip *models.Trip) (*models.PaymentSession, error) {
	amount := trip.SelectedFare.TotalPriceInCents
	if amount <= 0 {
		return nil, &models.PreconditionError{Action: "payment session", Missing: "fare price"}
	}
	return &models.PaymentSession{
		TripID:    trip.ID,
		SessionID: "local_" + uuid.NewString(),
		Amount:    amount,
		Currency:  l.Currency,
	}, nil
}
