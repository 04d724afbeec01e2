package delivery

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/allgood/pigeonhole/server/sieveengine"
)

// BuildVacationReply renders the auto-reply for a result that carries a
// vacation response. recipient is the address the original message was
// delivered to; original is the header block of that message.
func BuildVacationReply(hostname string, result sieveengine.Result, recipient string, original textproto.Header, now time.Time) ([]byte, error) {
	if !result.HasVacation() {
		return nil, fmt.Errorf("result has no vacation response")
	}
	from := result.VacationFrom
	if from == "" {
		from = recipient
	}
	fromAddrs, err := mail.ParseAddressList(from)
	if err != nil {
		fromAddrs = []*mail.Address{{Address: from}}
	}
	if hostname == "" {
		hostname = "localhost"
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", fromAddrs)
	h.SetAddressList("To", []*mail.Address{{Address: result.VacationTo}})
	h.SetSubject(result.VacationSubj)
	h.SetMessageID(uuid.NewString() + ".vacation@" + hostname)
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")
	h.Set("Precedence", "bulk")

	orig := mail.Header{Header: message.Header{Header: original}}
	if id, _ := orig.MessageID(); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		refs, _ := orig.MsgIDList("References")
		h.SetMsgIDList("References", append(refs, id))
	}

	var buf bytes.Buffer
	if result.VacationIsMime {
		if err := writeMimeBody(&buf, h, result.VacationMsg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	h.Set("MIME-Version", "1.0")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("creating vacation reply: %w", err)
	}
	if _, err := io.WriteString(w, result.VacationMsg); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeMimeBody uses the :mime reason as the body entity. Its Content-*
// fields are moved into the reply header and its body is copied verbatim.
func writeMimeBody(w io.Writer, h mail.Header, reason string) error {
	br := bufio.NewReader(strings.NewReader(reason))
	part, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("vacation :mime reason: %w", err)
	}
	h.Set("MIME-Version", "1.0")
	fields := part.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			h.Add(fields.Key(), fields.Value())
		}
	}
	if !h.Has("Content-Type") {
		h.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
	}
	if err := textproto.WriteHeader(w, h.Header.Header); err != nil {
		return err
	}
	_, err = io.Copy(w, br)
	return err
}

// originalHeader reads the header block of a raw message. A malformed
// header yields an empty one.
func originalHeader(raw []byte) textproto.Header {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return textproto.Header{}
	}
	return h
}
