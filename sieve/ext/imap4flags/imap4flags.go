// Package imap4flags provides setflag, addflag, removeflag and hasflag
// (RFC 5232). The flags of the message being filtered are kept in the
// execution result.
package imap4flags

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/allgood/pigeonhole/helpers"
	"github.com/allgood/pigeonhole/sieve"
)

const Name = "imap4flags"

const (
	OpSetFlag    = "SETFLAG"
	OpAddFlag    = "ADDFLAG"
	OpRemoveFlag = "REMOVEFLAG"
	OpHasFlag    = "HASFLAG"
)

var systemFlags = []imap.Flag{
	imap.FlagSeen,
	imap.FlagAnswered,
	imap.FlagFlagged,
	imap.FlagDeleted,
	imap.FlagDraft,
}

// Extension registers the flag commands and the hasflag test.
type Extension struct {
	id int
}

// New returns the imap4flags extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers setflag, addflag, removeflag and hasflag.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	for name, op := range map[string]string{
		"setflag":    OpSetFlag,
		"addflag":    OpAddFlag,
		"removeflag": OpRemoveFlag,
	} {
		v.RegisterCommand(&sieve.CommandSpec{
			Ident:        name,
			Type:         sieve.NodeCommand,
			Sig:          sieve.Signature{Positional: []sieve.ArgType{sieve.ArgStringList}},
			ValidateFunc: validateFlags,
			GenerateFunc: generateFlags(op),
		}, e.id)
	}
	v.RegisterCommand(&sieve.CommandSpec{
		Ident: "hasflag",
		Type:  sieve.NodeTest,
		Sig: sieve.Signature{
			Positional: []sieve.ArgType{sieve.ArgStringList},
			Matching:   true,
			Keys:       0,
		},
		GenerateFunc: generateHasFlag,
	}, e.id)
	return nil
}

// Opcodes returns one opcode per flag command plus HASFLAG.
func (e *Extension) Opcodes() []sieve.Opcode {
	dumpFlags := func(in *sieve.Interpreter) error {
		return in.DumpStringList("flags")
	}
	return []sieve.Opcode{
		&sieve.OpcodeSpec{Mnemonic: OpSetFlag, DumpFunc: dumpFlags, ExecuteFunc: executeFlags(setFlags)},
		&sieve.OpcodeSpec{Mnemonic: OpAddFlag, DumpFunc: dumpFlags, ExecuteFunc: executeFlags(addFlags)},
		&sieve.OpcodeSpec{Mnemonic: OpRemoveFlag, DumpFunc: dumpFlags, ExecuteFunc: executeFlags(removeFlags)},
		&sieve.OpcodeSpec{
			Mnemonic: OpHasFlag,
			DumpFunc: func(in *sieve.Interpreter) error {
				if err := sieve.DumpMatchOperands(in); err != nil {
					return err
				}
				return in.DumpStringList("keys")
			},
			ExecuteFunc: executeHasFlag,
		},
	}
}

// Canonical returns the canonical spelling of a flag. System flags are
// matched case-insensitively; unknown system flags are an error.
func Canonical(flag string) (string, error) {
	if !strings.HasPrefix(flag, `\`) {
		if strings.ContainsAny(flag, "(){%*\"\\]") || strings.ContainsFunc(flag, func(r rune) bool {
			return r <= ' ' || r == 0x7f
		}) {
			return "", fmt.Errorf("invalid flag keyword %q", flag)
		}
		return flag, nil
	}
	for _, f := range systemFlags {
		if strings.EqualFold(flag, string(f)) {
			return string(f), nil
		}
	}
	return "", fmt.Errorf("unknown system flag %q", flag)
}

// Parse splits space separated flag lists and returns the canonical flags
// without duplicates.
func Parse(lists []string) ([]string, error) {
	var out []string
	for _, l := range lists {
		for _, f := range strings.Fields(l) {
			c, err := Canonical(f)
			if err != nil {
				return nil, err
			}
			if !containsFold(out, c) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func containsFold(flags []string, flag string) bool {
	return slices.ContainsFunc(flags, func(f string) bool {
		return strings.EqualFold(f, flag)
	})
}

func validateFlags(_ *sieve.Validator, c *sieve.CommandContext) error {
	_, err := Parse(c.Positional[0].Strings())
	return err
}

func generateFlags(op string) func(*sieve.Generator, *sieve.CommandContext) error {
	return func(g *sieve.Generator, c *sieve.CommandContext) error {
		flags, err := Parse(c.Positional[0].Strings())
		if err != nil {
			return err
		}
		if err := g.EmitOpcode(op); err != nil {
			return err
		}
		g.EmitStringList(flags)
		return nil
	}
}

func generateHasFlag(g *sieve.Generator, c *sieve.CommandContext) error {
	if err := g.EmitOpcode(OpHasFlag); err != nil {
		return err
	}
	sieve.EmitMatchOperands(g, c)
	var keys []string
	for _, k := range c.Positional[0].Strings() {
		keys = append(keys, strings.Fields(k)...)
	}
	g.EmitStringList(keys)
	return nil
}

func setFlags(_, flags []string) []string {
	return flags
}

func addFlags(current, flags []string) []string {
	for _, f := range flags {
		if !containsFold(current, f) {
			current = append(current, f)
		}
	}
	return current
}

func removeFlags(current, flags []string) []string {
	return slices.DeleteFunc(current, func(f string) bool {
		return containsFold(flags, f)
	})
}

func executeFlags(apply func(current, flags []string) []string) func(*sieve.Interpreter) (sieve.Status, error) {
	return func(in *sieve.Interpreter) (sieve.Status, error) {
		flags, err := in.ReadStringList()
		if err != nil {
			return sieve.StatusContinue, err
		}
		res := in.Result()
		res.Flags = sanitize(apply(slices.Clone(res.Flags), flags))
		return sieve.StatusContinue, nil
	}
}

func sanitize(flags []string) []string {
	typed := make([]imap.Flag, len(flags))
	for i, f := range flags {
		typed[i] = imap.Flag(f)
	}
	typed = helpers.SanitizeFlags(typed)
	out := make([]string, len(typed))
	for i, f := range typed {
		out[i] = string(f)
	}
	return out
}

func executeHasFlag(in *sieve.Interpreter) (sieve.Status, error) {
	in.SetTestResult(false)
	cmp, mt, err := sieve.ReadMatchOperands(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	keys, err := in.ReadStringList()
	if err != nil {
		return sieve.StatusContinue, err
	}
	matched, err := in.MatchValues(cmp, mt, in.Result().Flags, keys)
	in.SetTestResult(matched)
	return sieve.StatusContinue, err
}
