package helpers

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ErrNoTextBody is returned by ExtractText for messages without any text
// part.
var ErrNoTextBody = errors.New("message has no text body")

// ExtractText walks the MIME tree and returns the first text/plain part.
// When the message only carries HTML, the first text/html part is converted
// to plain text. Transfer encodings and charsets are decoded by go-message.
// Attachments are skipped.
func ExtractText(msg *message.Entity) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message entity")
	}
	var plain, html *string

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		if plain != nil {
			return nil
		}
		if mr := e.MultipartReader(); mr != nil {
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("reading multipart: %w", err)
				}
				if err := walk(p); err != nil {
					return err
				}
			}
		}
		if disp, _, _ := e.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		mediaType, _, err := e.Header.ContentType()
		if err != nil && !message.IsUnknownCharset(err) {
			mediaType = "text/plain"
		}
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}
		content, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("reading %s part: %w", mediaType, err)
		}
		s := string(content)
		switch {
		case mediaType == "text/plain" && plain == nil:
			plain = &s
		case mediaType == "text/html" && html == nil:
			html = &s
		}
		return nil
	}

	if err := walk(msg); err != nil {
		return "", err
	}
	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return strings.TrimSpace(html2text.HTML2Text(*html)), nil
	}
	return "", ErrNoTextBody
}

// HeaderMap returns the message header keyed by lowercased field name, with
// values decoded from RFC 2047 encoded words where possible.
func HeaderMap(h message.Header) map[string][]string {
	out := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out[key] = append(out[key], v)
	}
	return out
}
