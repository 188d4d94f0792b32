package notify

import (
	"context"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Inbox stores in-app messages.
type Inbox interface {
	SaveMessages(ctx context.Context, msgs []*sqlite.Message) error
}

// InAppNotifier writes one inbox message per recipient.
type InAppNotifier struct {
	inbox Inbox
}

// NewInAppNotifier creates an InAppNotifier.
func NewInAppNotifier(inbox Inbox) *InAppNotifier {
	return &InAppNotifier{inbox: inbox}
}

func (n *InAppNotifier) Channel() alerts.Channel { return alerts.ChannelInApp }

func (n *InAppNotifier) Send(ctx context.Context, d *Delivery) error {
	msgs := make([]*sqlite.Message, 0, len(d.Recipients))
	for _, u := range d.Recipients {
		msgs = append(msgs, &sqlite.Message{
			UserID:   u.ID,
			EntityID: d.Definition.EntityID,
			AlertID:  d.Definition.ID,
			Severity: string(d.Severity),
			Subject:  d.Message.Subject,
			Body:     d.Message.Body,
			Created:  d.At,
		})
	}
	return n.inbox.SaveMessages(ctx, msgs)
}
