package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// PaymentIntent metadata keys.
const (
	metadataReference = "external_reference"
	metadataMonth     = "mes"
	monthLayout       = "2006-01"
)

// StripeGateway implements Gateway with Checkout Sessions as preferences and
// PaymentIntents as payments. Each instance owns its API client and key.
type StripeGateway struct {
	api      *client.API
	currency string
}

func NewStripeGateway(apiKey, currency string) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	if currency == "" {
		currency = "clp"
	}
	return &StripeGateway{api: api, currency: currency}
}

// CreatePreference opens a hosted checkout whose PaymentIntent carries the
// external reference in its metadata.
func (s *StripeGateway) CreatePreference(ctx context.Context, p Preference) (PreferenceResult, error) {
	if len(p.Items) == 0 {
		return PreferenceResult{}, errors.New("preference without items")
	}
	metadata := map[string]string{metadataReference: p.ExternalReference}
	if !p.Month.IsZero() {
		metadata[metadataMonth] = p.Month.UTC().Format(monthLayout)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.BackURLs.Success),
		CancelURL:         stripe.String(p.BackURLs.Failure),
		ClientReferenceID: stripe.String(p.ExternalReference),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	if p.Payer.Email != "" {
		params.CustomerEmail = stripe.String(p.Payer.Email)
	}
	if !p.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt.Unix())
	}
	for _, it := range p.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(it.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(it.UnitPrice),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.Title),
				},
			},
		})
	}
	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return PreferenceResult{}, err
	}
	return PreferenceResult{ID: sess.ID, CheckoutURL: sess.URL}, nil
}

func (s *StripeGateway) GetPayment(ctx context.Context, id string) (PaymentDetails, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return PaymentDetails{}, err
	}
	return detailsFromIntent(pi), nil
}

func (s *StripeGateway) SearchPaymentsByReference(ctx context.Context, ref string) ([]PaymentDetails, error) {
	// the reference is embedded in a search query; only well-formed ones are accepted
	if _, _, err := ParseReference(ref); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataReference, ref)
	it := s.api.PaymentIntents.Search(params)
	var out []PaymentDetails
	for it.Next() {
		out = append(out, detailsFromIntent(it.PaymentIntent()))
	}
	return out, it.Err()
}

func detailsFromIntent(pi *stripe.PaymentIntent) PaymentDetails {
	d := PaymentDetails{
		ID:        pi.ID,
		RawStatus: string(pi.Status),
		Amount:    pi.Amount,
	}
	if pi.AmountReceived > 0 {
		d.Amount = pi.AmountReceived
	}
	if pi.Metadata != nil {
		d.ExternalReference = pi.Metadata[metadataReference]
		if m, err := time.Parse(monthLayout, pi.Metadata[metadataMonth]); err == nil {
			d.Month = m
		}
	}
	if len(pi.PaymentMethodTypes) > 0 {
		d.Method = pi.PaymentMethodTypes[0]
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		d.Status = StatusApproved
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		d.Status = StatusRejected
	default:
		d.Status = StatusPending
	}
	return d
}
