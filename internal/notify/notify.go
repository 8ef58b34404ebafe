package notify

import (
	"context"
	"errors"

	"github.com/example/dynamic-dispatch/internal/models"
)

// Notifier delivers a user-facing notification to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, n models.Notification) error
}

// Fallback tries Primary first and uses Secondary when Primary fails
// (typically: no live WebSocket session, so send a push instead).
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f Fallback) Notify(ctx context.Context, recipientID string, n models.Notification) error {
	if f.Primary == nil {
		return f.secondary(ctx, recipientID, n)
	}
	err := f.Primary.Notify(ctx, recipientID, n)
	if err == nil {
		return nil
	}
	if f.Secondary == nil {
		return err
	}
	if serr := f.secondary(ctx, recipientID, n); serr != nil {
		return errors.Join(err, serr)
	}
	return nil
}

func (f Fallback) secondary(ctx context.Context, recipientID string, n models.Notification) error {
	if f.Secondary == nil {
		return nil
	}
	return f.Secondary.Notify(ctx, recipientID, n)
}
