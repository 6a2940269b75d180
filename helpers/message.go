package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ExtractPlainText walks the MIME structure of a raw message and returns the
// first text/plain part. Messages with only an HTML body are converted with
// html2text. Transfer encodings and charsets are decoded.
func ExtractPlainText(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var plaintextBody, htmlBody *string
	var extractContent func(*message.Entity) error
	extractContent = func(entity *message.Entity) error {
		mediaType, _, err := entity.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := entity.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for multipart content type")
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
					return fmt.Errorf("error reading multipart: %v", err)
				}
				if err := extractContent(part); err != nil {
					return err
				}
			}
		}

		switch mediaType {
		case "text/plain", "text/html":
		default:
			return nil
		}
		content, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("error reading entity body: %v", err)
		}
		s := string(content)
		if mediaType == "text/plain" && plaintextBody == nil {
			plaintextBody = &s
		} else if mediaType == "text/html" && htmlBody == nil {
			htmlBody = &s
		}
		return nil
	}

	if err := extractContent(entity); err != nil {
		return "", err
	}

	switch {
	case plaintextBody != nil:
		return *plaintextBody, nil
	case htmlBody != nil:
		return html2text.HTML2Text(*htmlBody), nil
	default:
		return "", nil
	}
}
