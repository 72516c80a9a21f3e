package email

import (
	"context"

	"go.uber.org/zap"

	"PulseQueue/internal/models"
)

// Receiver handles RECEIVE jobs. Poll is where a mailbox client plugs in;
// without one the request is acknowledged and logged, since inbound mail is
// dropped into the mailbox by the MTA rather than pulled by this service.
type Receiver struct {
	Poll func(ctx context.Context, job *models.EmailJob) error
	Log  *zap.Logger
}

func (r *Receiver) Receive(ctx context.Context, job *models.EmailJob) error {
	if r.Poll != nil {
		return r.Poll(ctx, job)
	}
	r.Log.Info("mailbox sync acknowledged",
		zap.String("job_id", job.ID),
		zap.Int64("user_id", job.UserID),
		zap.String("mailbox", job.Recipient),
	)
	return nil
}
