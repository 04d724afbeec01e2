package sieveengine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/helpers"
	"github.com/allgood/pigeonhole/sieve"
)

// sieveMessage adapts a Context to the interfaces the VM and the envelope
// and body extensions look for.
type sieveMessage struct {
	ctx     Context
	headers map[string][]string
}

// rawMessage additionally offers the undecoded body to body :raw.
type rawMessage struct {
	*sieveMessage
}

func (m rawMessage) RawBody() string { return m.ctx.RawBody }

func newMessage(ctx Context) sieve.Message {
	m := &sieveMessage{ctx: ctx, headers: make(map[string][]string, len(ctx.Header))}
	for k, v := range ctx.Header {
		key := strings.ToLower(k)
		m.headers[key] = append(m.headers[key], v...)
	}
	if ctx.RawBody != "" {
		return rawMessage{m}
	}
	return m
}

func (m *sieveMessage) HeaderValues(name string) []string {
	return m.headers[strings.ToLower(name)]
}

func (m *sieveMessage) Size() int64 {
	if m.ctx.Size > 0 {
		return m.ctx.Size
	}
	return int64(len(m.ctx.Body))
}

func (m *sieveMessage) EnvelopeFrom() string { return m.ctx.EnvelopeFrom }
func (m *sieveMessage) EnvelopeTo() string   { return m.ctx.EnvelopeTo }
func (m *sieveMessage) BodyText() string     { return m.ctx.Body }

func headerValues(h map[string][]string, name string) []string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func firstHeader(h map[string][]string, name string) string {
	if v := headerValues(h, name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// ContextFromMessage parses an RFC 5322 message into an evaluation
// context. Headers are decoded from encoded words and the text body is
// extracted from the MIME tree.
func ContextFromMessage(r io.Reader, envelopeFrom, envelopeTo string) (Context, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Context{}, fmt.Errorf("reading message: %w", err)
	}
	return ContextFromBytes(raw, envelopeFrom, envelopeTo)
}

// ContextFromBytes is ContextFromMessage for a message already in memory.
func ContextFromBytes(raw []byte, envelopeFrom, envelopeTo string) (Context, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Context{}, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	ctx := Context{
		EnvelopeFrom: envelopeFrom,
		EnvelopeTo:   envelopeTo,
		Header:       helpers.HeaderMap(entity.Header),
		RawBody:      rawBody(raw),
		Size:         int64(len(raw)),
	}
	text, err := helpers.ExtractText(entity)
	switch {
	case err == nil:
		ctx.Body = helpers.SanitizeUTF8(text)
	case errors.Is(err, helpers.ErrNoTextBody):
	default:
		return Context{}, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return ctx, nil
}

// rawBody returns everything after the header block.
func rawBody(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return string(raw[i+4:])
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[i+2:])
	}
	return ""
}
