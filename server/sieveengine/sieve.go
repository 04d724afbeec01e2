package sieveengine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/sieve"
	"github.com/allgood/pigeonhole/sieve/ext/fileinto"
	"github.com/allgood/pigeonhole/sieve/ext/vacation"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
	ActionVacation Action = "vacation"
)

// Result is the outcome of one evaluation.
type Result struct {
	// Action is the primary action. fileinto wins over redirect, redirect
	// over discard. A vacation response on a kept message is reported as
	// ActionVacation.
	Action     Action
	Mailbox    string // first fileinto target
	RedirectTo string // first redirect target
	Mailboxes  []string
	Redirects  []string
	Flags      []string
	// Copy is set when a fileinto or redirect is accompanied by an explicit
	// keep, so the message is also stored in INBOX.
	Copy bool

	// Vacation fields are only set when a response must be sent.
	VacationTo     string
	VacationFrom   string
	VacationSubj   string
	VacationMsg    string
	VacationIsMime bool
	VacationHandle string

	Disposition sieve.Disposition
	Warnings    []string
}

// HasVacation reports whether a vacation response must be sent.
func (r Result) HasVacation() bool {
	return r.VacationTo != ""
}

// KeepsMessage reports whether the message goes to INBOX.
func (r Result) KeepsMessage() bool {
	switch r.Action {
	case ActionKeep, ActionVacation:
		return true
	case ActionFileInto, ActionRedirect:
		return r.Copy
	}
	return false
}

// Context is the message being filtered. Header keys are matched
// case-insensitively. Body is the decoded text body used by the body test;
// RawBody, when set, is used by body :raw.
type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       map[string][]string
	Body         string
	RawBody      string
	Size         int64
}

type Executor interface {
	Evaluate(evalCtx context.Context, ctx Context) (Result, error)
}

// SieveExecutor evaluates one compiled program.
type SieveExecutor struct {
	engine  *Engine
	program *sieve.Program
	// policy is a template; every evaluation gets its own copy.
	policy *SievePolicy
}

// Evaluate runs the program against ctx. On a fatal execution error the
// returned result is an implicit keep.
func (e *SieveExecutor) Evaluate(evalCtx context.Context, ctx Context) (Result, error) {
	start := time.Now()
	if e.engine.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(evalCtx, e.engine.timeout)
		defer cancel()
	}

	msg := newMessage(ctx)
	in, err := sieve.NewInterpreter(e.engine.reg, e.program, msg)
	if err != nil {
		metrics.SieveExecutions.WithLabelValues("error").Inc()
		return Result{Action: ActionKeep}, err
	}
	res, err := in.Run(evalCtx)
	if err != nil {
		metrics.SieveExecutions.WithLabelValues("error").Inc()
		logger.WarnContext(evalCtx, "Sieve: execution failed, falling back to keep", "account_id", e.policy.AccountID, "error", err)
		return Result{Action: ActionKeep}, err
	}

	execPolicy := &SievePolicy{
		AccountID:         e.policy.AccountID,
		vacationOracle:    e.policy.vacationOracle,
		vacationResponses: make(map[string]time.Time),
	}
	result := buildResult(res)
	if a := vacationAction(res); a != nil {
		e.applyVacation(evalCtx, execPolicy, ctx, a, &result)
	}

	metrics.SieveExecutions.WithLabelValues(res.Disposition.String()).Inc()
	metrics.SieveExecutionDuration.Observe(time.Since(start).Seconds())
	for _, a := range res.Actions {
		metrics.SieveActions.WithLabelValues(a.ActionName()).Inc()
	}
	return result, nil
}

func buildResult(res *sieve.Result) Result {
	result := Result{
		Action:      ActionKeep,
		Flags:       slices.Clone(res.Flags),
		Disposition: res.Disposition,
		Warnings:    slices.Clone(res.Warnings),
	}
	if result.Flags == nil {
		result.Flags = []string{}
	}
	for _, a := range res.Actions {
		switch a := a.(type) {
		case *fileinto.Action:
			result.Mailboxes = append(result.Mailboxes, a.Mailbox)
		case *sieve.RedirectAction:
			result.Redirects = append(result.Redirects, a.Address)
		}
	}

	explicitKeep := res.Disposition == sieve.DispositionKeep
	switch {
	case len(result.Mailboxes) > 0:
		result.Action = ActionFileInto
		result.Mailbox = result.Mailboxes[0]
		result.Copy = explicitKeep
	case len(result.Redirects) > 0:
		result.Action = ActionRedirect
		result.RedirectTo = result.Redirects[0]
		result.Copy = explicitKeep
	case res.Disposition == sieve.DispositionDiscard:
		result.Action = ActionDiscard
	}
	return result
}

func vacationAction(res *sieve.Result) *vacation.Action {
	for _, a := range res.Actions {
		if v, ok := a.(*vacation.Action); ok {
			return v
		}
	}
	return nil
}

// applyVacation fills the vacation fields of result when the policy allows
// a response to the envelope sender.
func (e *SieveExecutor) applyVacation(ctx context.Context, p *SievePolicy, msg Context, a *vacation.Action, result *Result) {
	if reason := ShouldSuppressVacation(msg, a.Addresses); reason != "" {
		metrics.VacationDecisions.WithLabelValues("suppressed").Inc()
		logger.DebugContext(ctx, "Sieve: vacation response suppressed", "account_id", p.AccountID, "reason", reason)
		return
	}
	sender := strings.ToLower(strings.Trim(msg.EnvelopeFrom, "<>"))
	allowed, err := p.VacationResponseAllowed(ctx, sender, a.Handle, a.Period)
	if err != nil {
		metrics.VacationDecisions.WithLabelValues("error").Inc()
		logger.WarnContext(ctx, "Sieve: vacation check failed", "account_id", p.AccountID, "error", err)
		return
	}
	if !allowed {
		metrics.VacationDecisions.WithLabelValues("rate_limited").Inc()
		return
	}

	result.VacationTo = sender
	result.VacationFrom = a.From
	if result.VacationFrom == "" {
		result.VacationFrom = msg.EnvelopeTo
	}
	result.VacationSubj = a.Subject
	if result.VacationSubj == "" {
		result.VacationSubj = "Auto: " + firstHeader(msg.Header, "subject")
	}
	result.VacationMsg = a.Reason
	result.VacationIsMime = a.Mime
	result.VacationHandle = a.Handle
	if result.Action == ActionKeep {
		result.Action = ActionVacation
	}

	if err := p.SendVacationResponse(ctx, sender, a.Handle); err != nil {
		logger.WarnContext(ctx, "Sieve: recording vacation response failed", "account_id", p.AccountID, "error", err)
	}
	metrics.VacationDecisions.WithLabelValues("sent").Inc()
}

// SievePolicy decides whether vacation responses may be sent during one
// evaluation.
type SievePolicy struct {
	vacationResponses map[string]time.Time

	AccountID      int64
	vacationOracle VacationOracle
}

// VacationResponseAllowed consults the oracle for the persistent :days
// check. Within one evaluation a sender and handle pair is answered once.
func (p *SievePolicy) VacationResponseAllowed(ctx context.Context, originalSender, handle string, duration time.Duration) (bool, error) {
	key := originalSender + ":" + handle
	if p.vacationResponses == nil {
		p.vacationResponses = make(map[string]time.Time)
	}
	if _, seen := p.vacationResponses[key]; seen {
		return false, nil
	}
	if p.vacationOracle != nil {
		allowed, err := p.vacationOracle.IsVacationResponseAllowed(ctx, p.AccountID, originalSender, handle, duration)
		if err != nil {
			return false, fmt.Errorf("checking persistent vacation allowance via oracle: %w", err)
		}
		if !allowed {
			return false, nil
		}
	}
	p.vacationResponses[key] = time.Now()
	return true, nil
}

// SendVacationResponse records that a response to recipient is being sent.
func (p *SievePolicy) SendVacationResponse(ctx context.Context, recipient, handle string) error {
	if p.vacationOracle == nil {
		return nil
	}
	if err := p.vacationOracle.RecordVacationResponseSent(ctx, p.AccountID, recipient, handle); err != nil {
		return fmt.Errorf("failed to record vacation response sent via oracle: %w", err)
	}
	return nil
}
