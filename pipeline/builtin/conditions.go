package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/migadu/mailspool/helpers"
	"github.com/migadu/mailspool/mail"
	"github.com/migadu/mailspool/pipeline"
)

// allOrNothing returns every recipient when ok is true.
func allOrNothing(item *mail.Item, ok bool) []string {
	if ok {
		return item.Recipients
	}
	return nil
}

func newAll(string) (pipeline.Condition, error) {
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		return item.Recipients, nil
	}), nil
}

type recipientIs struct {
	addrs map[string]struct{}
}

func newRecipientIs(param string) (pipeline.Condition, error) {
	list := splitList(param)
	if len(list) == 0 {
		return nil, fmt.Errorf("recipient_is requires at least one address")
	}
	c := &recipientIs{addrs: make(map[string]struct{}, len(list))}
	for _, a := range list {
		if _, err := mail.ParseAddress(a); err != nil {
			return nil, fmt.Errorf("recipient_is: %w", err)
		}
		c.addrs[mail.NormalizeAddress(a)] = struct{}{}
	}
	return c, nil
}

func (c *recipientIs) Match(_ context.Context, item *mail.Item) ([]string, error) {
	var matched []string
	for _, r := range item.Recipients {
		if _, ok := c.addrs[mail.NormalizeAddress(r)]; ok {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

type recipientDomainIs struct {
	domains map[string]struct{}
}

func newRecipientDomainIs(param string) (pipeline.Condition, error) {
	c := &recipientDomainIs{domains: domainSet(param)}
	if len(c.domains) == 0 {
		return nil, fmt.Errorf("recipient_domain_is requires at least one domain")
	}
	return c, nil
}

func domainSet(param string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, d := range splitList(param) {
		set[strings.ToLower(strings.TrimPrefix(d, "@"))] = struct{}{}
	}
	return set
}

func (c *recipientDomainIs) Match(_ context.Context, item *mail.Item) ([]string, error) {
	var matched []string
	for _, r := range item.Recipients {
		if _, ok := c.domains[mail.Domain(r)]; ok {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// newSenderIs matches all recipients when the sender is one of the listed
// addresses; "<>" stands for the null sender.
func newSenderIs(param string) (pipeline.Condition, error) {
	list := splitList(param)
	if len(list) == 0 {
		return nil, fmt.Errorf("sender_is requires at least one address")
	}
	senders := make(map[string]struct{}, len(list))
	for _, a := range list {
		if a == mail.NullSender {
			senders[""] = struct{}{}
			continue
		}
		senders[mail.NormalizeAddress(a)] = struct{}{}
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		_, ok := senders[mail.NormalizeAddress(item.Sender)]
		return allOrNothing(item, ok), nil
	}), nil
}

func newSenderDomainIs(param string) (pipeline.Condition, error) {
	domains := domainSet(param)
	if len(domains) == 0 {
		return nil, fmt.Errorf("sender_domain_is requires at least one domain")
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		_, ok := domains[mail.Domain(item.Sender)]
		return allOrNothing(item, ok && item.Sender != ""), nil
	}), nil
}

func newHasAttribute(param string) (pipeline.Condition, error) {
	name := strings.TrimSpace(param)
	if name == "" {
		return nil, fmt.Errorf("has_attribute requires an attribute name")
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		_, ok := item.Attribute(name)
		return allOrNothing(item, ok), nil
	}), nil
}

// newAttributeEquals takes "name=value" and compares the attribute's string
// form.
func newAttributeEquals(param string) (pipeline.Condition, error) {
	name, value, found := strings.Cut(param, "=")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		return nil, fmt.Errorf("attribute_equals expects name=value, got %q", param)
	}
	value = strings.TrimSpace(value)
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		_, ok := item.Attribute(name)
		return allOrNothing(item, ok && item.AttributeString(name) == value), nil
	}), nil
}

// newHasHeader takes "Name" or "Name: substring". The substring comparison
// is case-insensitive.
func newHasHeader(param string) (pipeline.Condition, error) {
	name, substr, _ := strings.Cut(param, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("has_header requires a header name")
	}
	substr = strings.ToLower(strings.TrimSpace(substr))
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		h, err := item.Header()
		if err != nil {
			return nil, err
		}
		for _, v := range h.Values(name) {
			if substr == "" || strings.Contains(strings.ToLower(v), substr) {
				return item.Recipients, nil
			}
		}
		return nil, nil
	}), nil
}

// newSubjectContains matches the decoded subject with reply and forward
// prefixes removed, case-insensitively.
func newSubjectContains(param string) (pipeline.Condition, error) {
	needle := strings.ToUpper(strings.TrimSpace(param))
	if needle == "" {
		return nil, fmt.Errorf("subject_contains requires a text")
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		h, err := item.Header()
		if err != nil {
			return nil, err
		}
		mh := gomail.Header{Header: message.Header{Header: h}}
		subject, err := mh.Subject()
		if err != nil {
			subject = h.Get("Subject")
		}
		return allOrNothing(item, strings.Contains(helpers.BaseSubject(subject), needle)), nil
	}), nil
}

// newBodyContains searches the plain-text body; HTML-only messages are
// converted to text first.
func newBodyContains(param string) (pipeline.Condition, error) {
	needle := strings.ToLower(strings.TrimSpace(param))
	if needle == "" {
		return nil, fmt.Errorf("body_contains requires a text")
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		text, err := helpers.ExtractPlainText(item.Payload)
		if err != nil {
			return nil, err
		}
		return allOrNothing(item, strings.Contains(strings.ToLower(text), needle)), nil
	}), nil
}

func newSizeGreaterThan(param string) (pipeline.Condition, error) {
	limit, err := helpers.ParseSize(param)
	if err != nil {
		return nil, fmt.Errorf("size_greater_than: %w", err)
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		return allOrNothing(item, int64(item.Size()) > limit), nil
	}), nil
}

func newRecipientCountGreaterThan(param string) (pipeline.Condition, error) {
	n, err := strconv.Atoi(strings.TrimSpace(param))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("recipient_count_greater_than expects a non-negative integer, got %q", param)
	}
	return pipeline.ConditionFunc(func(_ context.Context, item *mail.Item) ([]string, error) {
		return allOrNothing(item, len(item.Recipients) > n), nil
	}), nil
}
