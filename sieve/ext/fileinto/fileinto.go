// Package fileinto provides the fileinto command (RFC 5228 section 4.1).
package fileinto

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/allgood/pigeonhole/sieve"
)

const (
	Name   = "fileinto"
	Opcode = "FILEINTO"
)

// Extension registers the fileinto command.
type Extension struct {
	id int
}

// New returns the fileinto extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers the fileinto command.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterCommand(&sieve.CommandSpec{
		Ident:        "fileinto",
		Type:         sieve.NodeCommand,
		Sig:          sieve.Signature{Positional: []sieve.ArgType{sieve.ArgString}},
		ValidateFunc: validate,
		GenerateFunc: generate,
	}, e.id)
	return nil
}

func (e *Extension) Opcodes() []sieve.Opcode {
	return []sieve.Opcode{&sieve.OpcodeSpec{
		Mnemonic: Opcode,
		DumpFunc: func(in *sieve.Interpreter) error {
			return in.DumpString("mailbox")
		},
		ExecuteFunc: execute,
	}}
}

// Action stores the message in a mailbox.
type Action struct {
	Mailbox string
}

func (a *Action) ActionName() string { return Name }
func (a *Action) Target() string     { return a.Mailbox }

func validate(_ *sieve.Validator, c *sieve.CommandContext) error {
	return ValidateMailbox(c.Positional[0].Str)
}

// ValidateMailbox rejects mailbox names that cannot be stored.
func ValidateMailbox(name string) error {
	switch {
	case name == "":
		return errors.New("fileinto: mailbox name is empty")
	case !utf8.ValidString(name):
		return fmt.Errorf("fileinto: mailbox name %q is not valid UTF-8", name)
	}
	return nil
}

func generate(g *sieve.Generator, c *sieve.CommandContext) error {
	if err := g.EmitOpcode(Opcode); err != nil {
		return err
	}
	g.EmitString(c.Positional[0].Str)
	return nil
}

func execute(in *sieve.Interpreter) (sieve.Status, error) {
	mailbox, err := in.ReadString()
	if err != nil {
		return sieve.StatusContinue, err
	}
	in.Result().AddAction(&Action{Mailbox: mailbox}, true)
	return sieve.StatusContinue, nil
}
