// Package producer hands new mail to the spool. It is the entry point for
// whatever accepts mail from the outside (an SMTP listener, the admin API).
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/mailspool/consts"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pkg/metrics"
)

// ErrInvalidSubmission is returned for items rejected before they reach the spool.
var ErrInvalidSubmission = errors.New("invalid submission")

// Spool is the part of spool.Store a producer needs.
type Spool interface {
	Store(ctx context.Context, item *mail.Item) error
}

type Producer struct {
	spool Spool
	entry string
}

// New returns a producer whose items start in the entryPipeline state.
func New(sp Spool, entryPipeline string) *Producer {
	return &Producer{spool: sp, entry: entryPipeline}
}

// EntryPipeline returns the state new items are created with.
func (p *Producer) EntryPipeline() string {
	return p.entry
}

// Create builds an item in the entry state with a fresh id. It does not
// touch the spool.
func (p *Producer) Create(sender string, recipients []string, payload []byte) *mail.Item {
	if sender == mail.NullSender {
		sender = ""
	}
	return mail.NewItem(sender, recipients, p.entry, payload)
}

// Submit validates item and stores it. Once Submit returns nil the spool
// owns the item and the caller must not modify it.
func (p *Producer) Submit(ctx context.Context, item *mail.Item) error {
	if err := validate(item); err != nil {
		metrics.ProducerSubmissions.WithLabelValues("rejected").Inc()
		return err
	}
	if err := p.spool.Store(ctx, item); err != nil {
		metrics.ProducerSubmissions.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to spool item %s: %w", item.ID, err)
	}

	metrics.ProducerSubmissions.WithLabelValues("accepted").Inc()
	logger.Debug("Producer: item spooled", "key", item.ID, "state", item.State,
		"sender", item.SenderOrNull(), "recipients", len(item.Recipients), "size", item.Size())
	return nil
}

// Deliver is Create followed by Submit.
func (p *Producer) Deliver(ctx context.Context, sender string, recipients []string, payload []byte) (*mail.Item, error) {
	item := p.Create(sender, recipients, payload)
	if err := p.Submit(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func validate(item *mail.Item) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	if item.State == mail.StateGhost {
		return fmt.Errorf("%w: %w: items cannot be submitted as %q", ErrInvalidSubmission, consts.ErrReservedName, mail.StateGhost)
	}
	if item.Sender != "" {
		if _, err := mail.ParseAddress(item.Sender); err != nil {
			return fmt.Errorf("%w: sender: %w", ErrInvalidSubmission, err)
		}
	}
	var bad []string
	for _, r := range item.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			bad = append(bad, r)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: invalid recipients: %s", ErrInvalidSubmission, strings.Join(bad, ", "))
	}
	if len(item.Payload) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidSubmission)
	}
	if _, err := item.Header(); err != nil {
		return fmt.Errorf("%w: malformed message header: %w", ErrInvalidSubmission, err)
	}
	return nil
}
