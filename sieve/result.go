package sieve

import (
	"fmt"
	"slices"
)

// Disposition is what happens to the message in the user's main mailbox.
type Disposition uint8

const (
	// DispositionImplicitKeep: the script did not decide, keep the message.
	DispositionImplicitKeep Disposition = iota
	DispositionKeep
	DispositionDiscard
	// DispositionActions: an action such as fileinto or redirect cancelled
	// the implicit keep and nothing else was decided.
	DispositionActions
)

func (d Disposition) String() string {
	switch d {
	case DispositionImplicitKeep:
		return "implicit-keep"
	case DispositionKeep:
		return "keep"
	case DispositionDiscard:
		return "discard"
	case DispositionActions:
		return "actions"
	}
	return fmt.Sprintf("Disposition(%d)", uint8(d))
}

// Action is a side effect collected during execution. Actions with the same
// name and a non-empty equal Target are recorded once.
type Action interface {
	ActionName() string
	Target() string
}

// Result is the outcome of one execution.
type Result struct {
	Disposition Disposition
	Actions     []Action
	// Flags are the IMAP flags to store the message with.
	Flags    []string
	Warnings []string
}

func newResult() *Result {
	return &Result{Disposition: DispositionImplicitKeep}
}

// Keep makes the message stay in the main mailbox. Last call to Keep or
// Discard wins.
func (r *Result) Keep() {
	r.Disposition = DispositionKeep
}

// Discard drops the message from the main mailbox.
func (r *Result) Discard() {
	r.Disposition = DispositionDiscard
}

// AddAction records an action and reports whether it was new. When
// cancelImplicitKeep is set an undecided disposition becomes
// DispositionActions.
func (r *Result) AddAction(a Action, cancelImplicitKeep bool) bool {
	if t := a.Target(); t != "" {
		dup := slices.ContainsFunc(r.Actions, func(o Action) bool {
			return o.ActionName() == a.ActionName() && o.Target() == t
		})
		if dup {
			return false
		}
	}
	r.Actions = append(r.Actions, a)
	if cancelImplicitKeep && r.Disposition == DispositionImplicitKeep {
		r.Disposition = DispositionActions
	}
	return true
}

// HasAction reports whether an action with the given name was recorded.
func (r *Result) HasAction(name string) bool {
	return slices.ContainsFunc(r.Actions, func(a Action) bool {
		return a.ActionName() == name
	})
}

// KeepsMessage reports whether the message is stored in the main mailbox.
func (r *Result) KeepsMessage() bool {
	return r.Disposition == DispositionKeep || r.Disposition == DispositionImplicitKeep
}

// Warnf records a non-fatal execution problem.
func (r *Result) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
