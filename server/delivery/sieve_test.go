package delivery

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/server/sieveengine"
)

type sent struct {
	from, to string
	data     []byte
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (f *fakeRelay) SendToExternalRelay(_ context.Context, from, to string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{from: from, to: to, data: data})
	return nil
}

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: lunch\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"\r\n" +
	"See you at noon.\r\n"

var bob = Recipient{AccountID: 7, Address: "bob@example.org", EnvelopeFrom: "alice@example.com"}

func TestApplyMailboxes(t *testing.T) {
	exec := NewActionExecutor(&fakeRelay{}, "mx.example.org")

	tests := []struct {
		name      string
		result    sieveengine.Result
		want      []string
		discarded bool
	}{
		{"implicit keep", sieveengine.Result{Action: sieveengine.ActionKeep}, []string{consts.MailboxInbox}, false},
		{"discard", sieveengine.Result{Action: sieveengine.ActionDiscard}, nil, true},
		{"fileinto", sieveengine.Result{Action: sieveengine.ActionFileInto, Mailbox: "Work", Mailboxes: []string{"Work", "Archive"}}, []string{"Work", "Archive"}, false},
		{"fileinto with keep", sieveengine.Result{Action: sieveengine.ActionFileInto, Mailboxes: []string{"Work"}, Copy: true}, []string{"Work", consts.MailboxInbox}, false},
		{"fileinto INBOX with keep", sieveengine.Result{Action: sieveengine.ActionFileInto, Mailboxes: []string{"INBOX"}, Copy: true}, []string{consts.MailboxInbox}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := exec.Apply(context.Background(), bob, tt.result, []byte(rawMessage))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Mailboxes)
			assert.Equal(t, tt.discarded, out.Discarded)
		})
	}
}

func TestApplyRedirect(t *testing.T) {
	relay := &fakeRelay{fail: map[string]error{
		"broken@example.net": &RelayError{Err: &smtp.SMTPError{Code: 451}, Permanent: false},
	}}
	exec := NewActionExecutor(relay, "mx.example.org")

	out, err := exec.Apply(context.Background(), bob, sieveengine.Result{
		Action:     sieveengine.ActionRedirect,
		RedirectTo: "archive@example.net",
		Redirects:  []string{"archive@example.net"},
	}, []byte(rawMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{"archive@example.net"}, out.Redirected)
	assert.Empty(t, out.Mailboxes)
	assert.False(t, out.Discarded)
	require.Len(t, relay.sent, 1)
	assert.Equal(t, "alice@example.com", relay.sent[0].from)
	assert.Equal(t, rawMessage, string(relay.sent[0].data))

	// A failed redirect keeps the message.
	out, err = exec.Apply(context.Background(), bob, sieveengine.Result{
		Action:    sieveengine.ActionRedirect,
		Redirects: []string{"broken@example.net"},
	}, []byte(rawMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{consts.MailboxInbox}, out.Mailboxes)
	assert.True(t, out.Temporary)
	assert.Len(t, out.Errors, 1)
}

func TestApplyWithoutRelay(t *testing.T) {
	exec := NewActionExecutor(nil, "mx.example.org")
	out, err := exec.Apply(context.Background(), bob, sieveengine.Result{
		Action:     sieveengine.ActionRedirect,
		Redirects:  []string{"x@example.net"},
		VacationTo: "alice@example.com",
	}, []byte(rawMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{consts.MailboxInbox}, out.Mailboxes)
	assert.False(t, out.VacationSent)
	assert.Len(t, out.Errors, 2)
}

func TestApplyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewActionExecutor(nil, "").Apply(ctx, bob, sieveengine.Result{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApplyVacation(t *testing.T) {
	relay := &fakeRelay{}
	exec := NewActionExecutor(relay, "mx.example.org")
	exec.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	out, err := exec.Apply(context.Background(), bob, sieveengine.Result{
		Action:       sieveengine.ActionVacation,
		VacationTo:   "alice@example.com",
		VacationSubj: "Auto: lunch",
		VacationMsg:  "I'm away until Monday. Grüße",
	}, []byte(rawMessage))
	require.NoError(t, err)
	assert.True(t, out.VacationSent)
	assert.Equal(t, []string{consts.MailboxInbox}, out.Mailboxes)

	require.Len(t, relay.sent, 1)
	reply := relay.sent[0]
	assert.Equal(t, "", reply.from)
	assert.Equal(t, "alice@example.com", reply.to)

	mr, err := mail.CreateReader(bytes.NewReader(reply.data))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Auto: lunch", subject)
	assert.Equal(t, "auto-replied", mr.Header.Get("Auto-Submitted"))
	inReplyTo, err := mr.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc@example.com"}, inReplyTo)
	from, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", from[0].Address)
	date, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(exec.now()))
}

func TestBuildVacationReplyMime(t *testing.T) {
	reason := "Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Away</p>\r\n"
	data, err := BuildVacationReply("mx.example.org", sieveengine.Result{
		VacationTo:     "alice@example.com",
		VacationFrom:   "Bob <bob-away@example.org>",
		VacationSubj:   "Away",
		VacationMsg:    reason,
		VacationIsMime: true,
	}, "bob@example.org", originalHeader([]byte(rawMessage)), time.Now())
	require.NoError(t, err)

	e, err := message.Read(bytes.NewReader(data))
	require.NoError(t, err)
	ct, _, err := e.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/html", ct)
	assert.Contains(t, e.Header.Get("From"), "bob-away@example.org")

	var body bytes.Buffer
	_, err = body.ReadFrom(e.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>Away</p>\r\n", body.String())
}

func TestBuildVacationReplyRequiresVacation(t *testing.T) {
	_, err := BuildVacationReply("h", sieveengine.Result{}, "bob@example.org", originalHeader(nil), time.Now())
	assert.Error(t, err)
}
