package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
)

// ErrNoEmailRecipients is returned when no recipient has an address.
var ErrNoEmailRecipients = errors.New("no recipient has an email address")

// Sender sends a message through shoutrrr. *router.ServiceRouter
// satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// EmailNotifier sends alert emails through a shoutrrr smtp:// URL.
type EmailNotifier struct {
	sender        Sender
	subjectPrefix string
}

// NewEmailNotifier builds the shoutrrr router for url.
func NewEmailNotifier(url, subjectPrefix string, timeout time.Duration) (*EmailNotifier, error) {
	sender, err := shoutrrr.CreateSender(url)
	if err != nil {
		return nil, fmt.Errorf("invalid email URL: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return NewEmailNotifierWithSender(sender, subjectPrefix), nil
}

// NewEmailNotifierWithSender creates an EmailNotifier over an existing sender.
func NewEmailNotifierWithSender(sender Sender, subjectPrefix string) *EmailNotifier {
	return &EmailNotifier{sender: sender, subjectPrefix: subjectPrefix}
}

func (n *EmailNotifier) Channel() alerts.Channel { return alerts.ChannelEmail }

// Send emails all recipients with an address in one message. Suspended
// users were already dropped by the directory.
func (n *EmailNotifier) Send(ctx context.Context, d *Delivery) error {
	var to []string
	for _, u := range d.Recipients {
		if u.Email != "" {
			to = append(to, u.Email)
		}
	}
	if len(to) == 0 {
		return ErrNoEmailRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := d.Message.Subject
	if n.subjectPrefix != "" {
		subject = n.subjectPrefix + " " + subject
	}
	params := stypes.Params{}
	params.SetTitle(subject)
	params["toaddresses"] = strings.Join(to, ",")

	for _, err := range n.sender.Send(d.Message.Body, &params) {
		if err != nil {
			return err
		}
	}
	return nil
}
