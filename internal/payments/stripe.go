package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	checkout "github.com/stripe/stripe-go/v74/checkout/session"

	"github.com/example/ride-stream/internal/models"
)

// SessionCreator issues the opaque payment session handed to riders once a
// driver accepts. No payment logic lives on the client side; the session is
// stored and handed off as-is.
type SessionCreator interface {
	CreateSession(ctx context.Context, trip *models.Trip) (*models.PaymentSession, error)
}

// StripeCreator creates hosted checkout sessions via stripe-go.
type StripeCreator struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// NewStripeCreator initializes the stripe client with the given API key.
func NewStripeCreator(apiKey, currency, successURL, cancelURL string) *StripeCreator {
	stripe.Key = apiKey
	return &StripeCreator{Currency: currency, SuccessURL: successURL, CancelURL: cancelURL}
}

func (s *StripeCreator) CreateSession(ctx context.Context, trip *models.Trip) (*models.PaymentSession, error) {
	amount := trip.SelectedFare.TotalPriceInCents
	if amount <= 0 {
		return nil, &models.PreconditionError{Action: "payment session", Missing: "fare price"}
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.Currency),
				UnitAmount: stripe.Int64(amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Ride (%s)", trip.SelectedFare.PackageSlug)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(s.SuccessURL),
		CancelURL:  stripe.String(s.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("trip_id", trip.ID)
	params.AddMetadata("user_id", trip.UserID)

	cs, err := checkout.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	return &models.PaymentSession{
		TripID:    trip.ID,
		SessionID: cs.ID,
		Amount:    amount,
		Currency:  s.Currency,
	}, nil
}
