package payments

import (
	"context"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/observability"
)

type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusPending  Status = "pending"
)

type Item struct {
	Title     string
	Quantity  int64
	UnitPrice int64
}

type Payer struct {
	Email string
}

type BackURLs struct {
	Success string
	Failure string
}

type Preference struct {
	Items             []Item
	Payer             Payer
	BackURLs          BackURLs
	ExternalReference string
	// Month is the billing month the checkout settles.
	Month     time.Time
	ExpiresAt time.Time
}

type PreferenceResult struct {
	ID          string `json:"preference_id"`
	CheckoutURL string `json:"checkout_url"`
}

// PaymentDetails is the gateway's authoritative view of one payment.
type PaymentDetails struct {
	ID                string
	Status            Status
	RawStatus         string
	Amount            int64
	Method            string
	ExternalReference string
	// Month is zero when the payment was created without one.
	Month time.Time
}

// Gateway is the outbound contract with the payment provider.
type Gateway interface {
	CreatePreference(ctx context.Context, p Preference) (PreferenceResult, error)
	GetPayment(ctx context.Context, id string) (PaymentDetails, error)
	SearchPaymentsByReference(ctx context.Context, ref string) ([]PaymentDetails, error)
}

// Instrumented bounds every call by Timeout, observes latency and classifies
// failures as apperr.GatewayError.
type Instrumented struct {
	Next    Gateway
	Timeout time.Duration
}

func (g Instrumented) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	observability.GatewayDuration.WithLabelValues(op, observability.Outcome(err)).Observe(time.Since(start).Seconds())
	if err != nil && apperr.KindOf(err) == apperr.Internal {
		return apperr.Wrap(apperr.GatewayError, "payments."+op, err)
	}
	return err
}

func (g Instrumented) CreatePreference(ctx context.Context, p Preference) (res PreferenceResult, err error) {
	err = g.call(ctx, "create_preference", func(ctx context.Context) error {
		res, err = g.Next.CreatePreference(ctx, p)
		return err
	})
	return res, err
}

func (g Instrumented) GetPayment(ctx context.Context, id string) (d PaymentDetails, err error) {
	err = g.call(ctx, "get_payment", func(ctx context.Context) error {
		d, err = g.Next.GetPayment(ctx, id)
		return err
	})
	return d, err
}

func (g Instrumented) SearchPaymentsByReference(ctx context.Context, ref string) (out []PaymentDetails, err error) {
	err = g.call(ctx, "search_payments", func(ctx context.Context) error {
		out, err = g.Next.SearchPaymentsByReference(ctx, ref)
		return err
	})
	return out, err
}
