package reconcile

import (
	"strings"

	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/punchamoorthee/securevote/internal/webhook"
)

func decodePaystack(body []byte) (*notification, error) {
	ev, product, err := webhook.DecodePaystack(body)
	if err != nil {
		return nil, err
	}

	n := &notification{event: ev.Event, product: product}
	if !product.IsZero() {
		n.instanceID = product.InstanceID.String()
	}

	status := strings.ToLower(ev.Data.Status)
	switch {
	case ev.Event == webhook.PaystackChargeSuccess && status == "success":
		n.succeeded = true
	case ev.Event == webhook.PaystackChargeFailed,
		ev.Event == webhook.PaystackChargeSuccess && (status == "failed" || status == "abandoned" || status == "reversed"):
		n.failed = true
	default:
		n.ignored = true
		return n, nil
	}

	n.settled = ev.Data.Settled()
	n.currency = ev.Data.Currency
	n.key = store.LockKey{Gateway: domain.GatewayPaystack, ExternalID: ev.Data.ID.String()}
	if ev.Data.Reference != "" {
		n.fallback = &store.LockKey{Gateway: domain.GatewayPaystack, Reference: ev.Data.Reference}
	}
	return n, nil
}

func decodeHubtel(body []byte) (*notification, error) {
	cb, err := webhook.DecodeHubtel(body)
	if err != nil {
		return nil, err
	}

	n := &notification{
		event:      "checkout." + strings.ToLower(cb.Status),
		instanceID: cb.Data.ClientReference,
		settled:    *cb.Data.Amount,
		key:        store.LockKey{Gateway: domain.GatewayHubtel, Reference: cb.Data.ClientReference},
	}
	switch {
	case cb.Succeeded():
		n.succeeded = true
	case cb.Failed():
		n.failed = true
	default:
		n.ignored = true
	}
	return n, nil
}
