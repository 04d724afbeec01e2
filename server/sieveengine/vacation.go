package sieveengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/allgood/pigeonhole/helpers"
)

// VacationOracle defines the methods SievePolicy needs to interact with
// persistent storage for vacation response tracking.
type VacationOracle interface {
	// IsVacationResponseAllowed checks if a vacation response is allowed to be sent
	// to the given originalSender for the specified account and handle,
	// considering the duration since the last response.
	IsVacationResponseAllowed(ctx context.Context, accountID int64, originalSender string, handle string, duration time.Duration) (bool, error)
	// RecordVacationResponseSent records that a vacation response has been sent
	// to the originalSender for the specified account and handle.
	RecordVacationResponseSent(ctx context.Context, accountID int64, originalSender string, handle string) error
}

// MemoryVacationOracle tracks responses in process memory. It is used when
// no database is configured; state is lost on restart.
type MemoryVacationOracle struct {
	mu   sync.Mutex
	sent map[string]time.Time
	now  func() time.Time
}

func NewMemoryVacationOracle() *MemoryVacationOracle {
	return &MemoryVacationOracle{sent: make(map[string]time.Time), now: time.Now}
}

func memoryKey(accountID int64, sender, handle string) string {
	return fmt.Sprintf("%d\x00%s\x00%s", accountID, strings.ToLower(sender), handle)
}

func (o *MemoryVacationOracle) IsVacationResponseAllowed(_ context.Context, accountID int64, originalSender, handle string, duration time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.sent[memoryKey(accountID, originalSender, handle)]
	if !ok {
		return true, nil
	}
	return o.now().Sub(last) >= duration, nil
}

func (o *MemoryVacationOracle) RecordVacationResponseSent(_ context.Context, accountID int64, originalSender, handle string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[memoryKey(accountID, originalSender, handle)] = o.now()
	return nil
}

// Cleanup forgets responses older than maxAge.
func (o *MemoryVacationOracle) Cleanup(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	cutoff := o.now().Add(-maxAge)
	for k, t := range o.sent {
		if t.Before(cutoff) {
			delete(o.sent, k)
			removed++
		}
	}
	return removed
}

// Local parts that belong to list software and mailer daemons.
var (
	automatedLocalParts   = []string{"mailer-daemon", "listserv", "majordomo", "postmaster", "noreply", "no-reply"}
	automatedLocalPrefix  = []string{"owner-"}
	automatedLocalSuffix  = []string{"-request", "-bounces", "-owner"}
	recipientHeaderFields = []string{"to", "cc", "bcc", "resent-to", "resent-cc", "resent-bcc"}
)

// ShouldSuppressVacation applies the RFC 5230 section 4.5 rules to the
// incoming message. It returns the reason a response must not be sent, or
// "" when one may be sent. addresses are the extra addresses of the user
// given with :addresses.
func ShouldSuppressVacation(msg Context, addresses []string) string {
	sender := strings.Trim(strings.TrimSpace(msg.EnvelopeFrom), "<>")
	if sender == "" {
		return "null or empty sender (bounce message)"
	}

	if v := firstHeader(msg.Header, "auto-submitted"); v != "" {
		if strings.ToLower(strings.TrimSpace(v)) != "no" {
			return "Auto-Submitted: " + v
		}
	}
	if v := firstHeader(msg.Header, "precedence"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "bulk", "junk", "list":
			return "Precedence: " + v
		}
	}
	if v := firstHeader(msg.Header, "list-id"); v != "" {
		return "List-Id: " + v
	}

	local, _, err := helpers.SplitEmailAddress(sender)
	if err != nil {
		return "unparsable sender " + sender
	}
	local = strings.ToLower(local)
	for _, l := range automatedLocalParts {
		if local == l {
			return "automated sender " + sender
		}
	}
	for _, p := range automatedLocalPrefix {
		if strings.HasPrefix(local, p) {
			return "automated sender " + sender
		}
	}
	for _, s := range automatedLocalSuffix {
		if strings.HasSuffix(local, s) {
			return "automated sender " + sender
		}
	}

	own := ownAddresses(msg.EnvelopeTo, addresses)
	if own[helpers.NormalizeAddress(sender)] {
		return "message is from the user"
	}
	if len(own) > 0 && !addressedTo(msg.Header, own) {
		return "user not in recipient headers"
	}
	return ""
}

func ownAddresses(envelopeTo string, extra []string) map[string]bool {
	own := make(map[string]bool)
	if envelopeTo != "" {
		own[helpers.NormalizeAddress(envelopeTo)] = true
	}
	for _, a := range extra {
		if addr, err := mail.ParseAddress(a); err == nil {
			own[helpers.NormalizeAddress(addr.Address)] = true
		} else {
			own[helpers.NormalizeAddress(a)] = true
		}
	}
	return own
}

func addressedTo(header map[string][]string, own map[string]bool) bool {
	for _, field := range recipientHeaderFields {
		for _, v := range headerValues(header, field) {
			list, err := mail.ParseAddressList(v)
			if err != nil {
				// Malformed lists still count when the address appears verbatim.
				for a := range own {
					if strings.Contains(strings.ToLower(v), a) {
						return true
					}
				}
				continue
			}
			for _, addr := range list {
				if own[helpers.NormalizeAddress(addr.Address)] {
					return true
				}
			}
		}
	}
	return false
}
