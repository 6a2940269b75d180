package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
)

// Header parses the RFC 5322 header block of the payload.
func (i *Item) Header() (textproto.Header, error) {
	h, _, err := splitPayload(i.Payload)
	return h, err
}

// Body returns the payload after the header block.
func (i *Item) Body() ([]byte, error) {
	_, body, err := splitPayload(i.Payload)
	return body, err
}

// UpdateHeader parses the header, lets fn modify it and re-serialises the
// payload with the unchanged body.
func (i *Item) UpdateHeader(fn func(h *textproto.Header)) error {
	h, body, err := splitPayload(i.Payload)
	if err != nil {
		return err
	}

	fn(&h)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	buf.Write(body)
	i.Payload = buf.Bytes()
	return nil
}

func splitPayload(payload []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(payload))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("failed to parse message header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return h, body, nil
}
