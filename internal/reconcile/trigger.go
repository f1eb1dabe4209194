package reconcile

import (
	"context"

	"github.com/example/groupbuy-ledger/internal/events"
)

// HandleTrigger runs the job when a ReconcileRequested event arrives on the
// bus. Other event types are ignored. It matches kafka.MessageHandler.
func (j *Job) HandleTrigger(ctx context.Context, _, value []byte) error {
	e, err := events.Decode(value)
	if err != nil {
		return err
	}
	if e.Type != events.TypeReconcileRequested {
		return nil
	}

	var req events.ReconcileRequested
	if len(e.Data) > 0 {
		if err := e.Payload(&req); err != nil {
			return err
		}
	}
	j.log.WithField("requested_by", req.RequestedBy).Info("on-demand reconciliation requested")

	_, err = j.Run(ctx)
	return err
}
