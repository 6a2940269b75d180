package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pipeline"
)

// Vacation is left out: a routing condition must not send mail.
var sieveExtensions = []string{"envelope", "fileinto", "redirect", "encoded-character", "imap4flags", "variables", "relational", "copy", "regex"}

// sieveCondition runs a Sieve script once per recipient. A recipient matches
// when the script cancels the implicit keep (discard, fileinto, redirect)
// without an explicit keep.
type sieveCondition struct {
	script *sieve.Script
}

// newSieve loads the script named by param. "file:/path" reads a file; any
// other value is the script text itself.
func newSieve(param string) (pipeline.Condition, error) {
	text := param
	if path, ok := strings.CutPrefix(param, "file:"); ok {
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("sieve: failed to read script: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("sieve requires a script")
	}

	options := sieve.DefaultOptions()
	options.EnabledExtensions = sieveExtensions
	script, err := sieve.Load(strings.NewReader(text), options)
	if err != nil {
		return nil, fmt.Errorf("sieve: invalid script: %w", err)
	}
	return &sieveCondition{script: script}, nil
}

func (c *sieveCondition) Match(ctx context.Context, item *mail.Item) ([]string, error) {
	h, err := item.Header()
	if err != nil {
		return nil, err
	}
	msg := &sieveMessage{header: h, size: item.Size()}

	var matched []string
	for _, rcpt := range item.Recipients {
		env := &sieveEnvelope{from: item.Sender, to: rcpt}
		data := sieve.NewRuntimeData(c.script, &sievePolicy{}, env, msg)
		if err := c.script.Execute(ctx, data); err != nil {
			return nil, fmt.Errorf("sieve: execution failed for %s: %w", rcpt, err)
		}
		if !data.Keep && !data.ImplicitKeep {
			matched = append(matched, rcpt)
		}
	}
	return matched, nil
}

// sievePolicy lets redirect count as a disposition of the recipient. Nothing
// is ever sent: the script only classifies, and vacation replies are refused.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	header textproto.Header
	size   int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.header.Values(key), nil
}

func (m *sieveMessage) MessageSize() int {
	return m.size
}
