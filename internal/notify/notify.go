// Package notify delivers flag lifecycle notifications to the external
// admin-review process. Delivery is best-effort and never blocks the ledger:
// every sink sends in the background and only logs failures.
package notify

import (
	"context"

	"mobilize/integrity-api/internal/domain"
)

// Publisher receives flag notifications after the ledger has committed them.
type Publisher interface {
	Publish(ctx context.Context, n domain.FlagNotification)
}

// Fanout publishes to every sink in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, n domain.FlagNotification) {
	for _, p := range f {
		p.Publish(ctx, n)
	}
}

// Discard drops every notification.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, domain.FlagNotification) {}
