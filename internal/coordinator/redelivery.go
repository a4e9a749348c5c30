package coordinator

import (
	"context"

	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/metrics"
)

// Redeliverer retries parked parcels when their account reconnects.
type Redeliverer struct {
	registry *AccountRegistry
	mailbox  *Mailbox
	syncs    *Queue[int]
	courier  Deliverer
	log      *logging.Logger
}

// Run consumes reconnect events until ctx ends.
func (r *Redeliverer) Run(ctx context.Context) error {
	for {
		id, err := r.syncs.Pop(ctx)
		if err != nil {
			return nil
		}
		r.redeliver(ctx, id)
	}
}

// redeliver attempts every parcel of account once. Delivered parcels are
// removed; the rest wait for the next reconnect.
func (r *Redeliverer) redeliver(ctx context.Context, account int) {
	acc, err := r.registry.Resolve(account)
	if err != nil {
		r.log.Warn("redelivery for unknown account skipped", "account_id", account, "error", err)
		return
	}
	for _, p := range r.mailbox.Pending(account) {
		if ctx.Err() != nil {
			return
		}
		if err := r.courier.Deliver(ctx, acc.Location.Addr(), acc.ID, p.Message); err != nil {
			metrics.Redeliveries.WithLabelValues("failed").Inc()
			r.log.Warn("redelivery failed", "account_id", account, "parcel", p.ID.String(), "error", err)
			continue
		}
		r.mailbox.Remove(account, p.ID)
		metrics.Redeliveries.WithLabelValues("delivered").Inc()
		r.log.Info("parcel redelivered", "account_id", account, "parcel", p.ID.String())
	}
}
