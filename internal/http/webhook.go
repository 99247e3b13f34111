package httpapi

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/reconcile"
)

// parseNotification reads the topic and payment id of a gateway webhook.
// Stripe event bodies are mapped by event type. Otherwise JSON bodies win
// over query parameters; either may be absent.
func parseNotification(r *http.Request, body []byte) reconcile.Notification {
	n := reconcile.Notification{Raw: body}
	if len(body) > 0 && gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "type", "topic", "data.id", "id", "data.object")
		if res[4].IsObject() {
			// Stripe event envelope
			n.Topic, n.ID = payments.StripeEventTarget(res[0].String(), []byte(res[4].Raw))
			return n
		}
		n.Topic = firstNonEmpty(res[0].String(), res[1].String())
		n.ID = firstNonEmpty(res[2].String(), res[3].String())
	}
	q := r.URL.Query()
	if n.Topic == "" {
		n.Topic = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}
	if n.ID == "" {
		n.ID = firstNonEmpty(q.Get("data.id"), q.Get("id"))
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
