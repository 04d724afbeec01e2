// Package delivery carries out the actions of a Sieve result that leave the
// mailbox store: redirects and vacation replies through the outbound relay.
// Mailbox targets are reported back to the caller for storage.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/server/sieveengine"
)

// Recipient is the envelope of the message a result was computed for.
type Recipient struct {
	AccountID    int64
	Address      string
	EnvelopeFrom string
}

// Outcome is what happened to the message.
type Outcome struct {
	Mailboxes    []string `json:"mailboxes"`
	Flags        []string `json:"flags,omitempty"`
	Redirected   []string `json:"redirected,omitempty"`
	VacationSent bool     `json:"vacation_sent"`
	Discarded    bool     `json:"discarded"`
	// Errors lists relay failures. A failed redirect falls back to INBOX.
	Errors []string `json:"errors,omitempty"`
	// Temporary is set when a relay failure may succeed on retry.
	Temporary bool `json:"temporary,omitempty"`
}

type ActionExecutor struct {
	Relay    RelayHandler
	Hostname string
	now      func() time.Time
}

func NewActionExecutor(relay RelayHandler, hostname string) *ActionExecutor {
	return &ActionExecutor{Relay: relay, Hostname: hostname, now: time.Now}
}

// Apply performs the redirects and vacation reply of result for the raw
// message and returns the mailboxes the message must be stored in.
func (a *ActionExecutor) Apply(ctx context.Context, recipient Recipient, result sieveengine.Result, raw []byte) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Flags: result.Flags}
	keep := result.KeepsMessage()

	if len(result.Redirects) > 0 && a.Relay == nil {
		logger.WarnContext(ctx, "Delivery: redirect requested but no relay configured, keeping message",
			"account_id", recipient.AccountID)
		out.Errors = append(out.Errors, consts.ErrRelayNotConfigured.Error())
		keep = true
	}
	if a.Relay != nil {
		for _, to := range result.Redirects {
			err := a.Relay.SendToExternalRelay(ctx, recipient.EnvelopeFrom, to, raw)
			a.record("redirect", err)
			if err != nil {
				logger.WarnContext(ctx, "Delivery: redirect failed, keeping message",
					"account_id", recipient.AccountID, "to", to, "error", err)
				out.Errors = append(out.Errors, fmt.Sprintf("redirect to %s: %v", to, err))
				out.Temporary = out.Temporary || !IsPermanentError(err)
				keep = true
				continue
			}
			out.Redirected = append(out.Redirected, to)
		}
	}

	if result.HasVacation() {
		if err := a.sendVacation(ctx, recipient, result, raw); err != nil {
			logger.WarnContext(ctx, "Delivery: vacation reply not sent",
				"account_id", recipient.AccountID, "to", result.VacationTo, "error", err)
			out.Errors = append(out.Errors, fmt.Sprintf("vacation to %s: %v", result.VacationTo, err))
		} else {
			out.VacationSent = true
		}
	}

	out.Mailboxes = append(out.Mailboxes, result.Mailboxes...)
	if keep && !slices.Contains(out.Mailboxes, consts.MailboxInbox) {
		out.Mailboxes = append(out.Mailboxes, consts.MailboxInbox)
	}
	out.Discarded = len(out.Mailboxes) == 0 && len(out.Redirected) == 0
	return out, nil
}

func (a *ActionExecutor) sendVacation(ctx context.Context, recipient Recipient, result sieveengine.Result, raw []byte) error {
	if a.Relay == nil {
		return consts.ErrRelayNotConfigured
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	reply, err := BuildVacationReply(a.Hostname, result, recipient.Address, originalHeader(raw), now())
	if err != nil {
		a.record("vacation", err)
		return err
	}
	// Auto-replies use the null reverse-path.
	err = a.Relay.SendToExternalRelay(ctx, "", result.VacationTo, reply)
	a.record("vacation", err)
	return err
}

func (a *ActionExecutor) record(kind string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, consts.ErrRelayNotConfigured):
		result = "not_configured"
	case IsPermanentError(err):
		result = "permanent"
	default:
		result = "temporary"
	}
	metrics.RelayMessages.WithLabelValues(kind, result).Inc()
}
