package payments

import (
	"strings"

	"github.com/stripe/stripe-go/v74/webhook"
	"github.com/tidwall/gjson"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
)

// TopicPayment is the notification topic of events that concern a payment.
const TopicPayment = "payment"

// SignatureHeader carries the HMAC Stripe signs every webhook delivery with.
const SignatureHeader = "Stripe-Signature"

// StripeEventTarget maps a Stripe event to the notification topic and the
// PaymentIntent id it concerns. object is the raw data.object of the event.
// Events unrelated to a PaymentIntent keep their type as topic and no id.
func StripeEventTarget(eventType string, object []byte) (topic, id string) {
	obj := gjson.ParseBytes(object)
	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		return TopicPayment, obj.Get("id").String()
	case strings.HasPrefix(eventType, "charge."), strings.HasPrefix(eventType, "checkout.session."):
		pi := obj.Get("payment_intent")
		if pi.IsObject() {
			pi = pi.Get("id")
		}
		if pi.String() != "" {
			return TopicPayment, pi.String()
		}
	}
	return eventType, ""
}

// VerifyStripeEvent checks the signature header of a Stripe webhook delivery
// and returns the topic and PaymentIntent id it carries.
func VerifyStripeEvent(payload []byte, sigHeader, secret string) (topic, id string, err error) {
	const op = "payments.webhook"
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		Tolerance: webhook.DefaultTolerance,
		// the endpoint API version is set in the dashboard; only ids are read here
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return "", "", apperr.Wrap(apperr.Invalid, op, err)
	}
	var object []byte
	if ev.Data != nil {
		object = ev.Data.Raw
	}
	topic, id = StripeEventTarget(ev.Type, object)
	return topic, id, nil
}
