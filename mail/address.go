package mail

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 local part; domains may be single-label (e.g. "localhost").
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// NullSender is how the empty reverse path (<>) of bounces is rendered.
const NullSender = "<>"

type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// ParseAddress validates and normalises (trim + lowercase) an envelope address.
func ParseAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	input = strings.TrimSuffix(strings.TrimPrefix(input, "<"), ">")

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	parts := strings.Split(input, "@")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("invalid email format: '%s'", input)
	}

	localPart, domain := parts[0], parts[1]
	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

func (a Address) String() string {
	return a.fullAddress
}

// Domain returns the lowercased domain of addr, or "" if addr has none.
func Domain(addr string) string {
	idx := strings.LastIndex(addr, "@")
	if idx == -1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[idx+1:], ">"))
}

// NormalizeAddress lowercases and trims an address without validating it.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	return strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
}
