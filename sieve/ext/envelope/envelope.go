// Package envelope provides the envelope test (RFC 5228 section 5.4).
package envelope

import (
	"fmt"
	"strings"

	"github.com/allgood/pigeonhole/sieve"
)

const (
	Name   = "envelope"
	Opcode = "ENVELOPE"
)

// Envelope is implemented by messages that know their SMTP envelope.
// EnvelopeFrom returns "" for the null reverse path.
type Envelope interface {
	EnvelopeFrom() string
	EnvelopeTo() string
}

// Extension registers the envelope test.
type Extension struct {
	id int
}

// New returns the envelope extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers the envelope test with its address-part and match tags.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterCommand(&sieve.CommandSpec{
		Ident: "envelope",
		Type:  sieve.NodeTest,
		Sig: sieve.Signature{
			Positional: []sieve.ArgType{sieve.ArgStringList, sieve.ArgStringList},
			Tags:       sieve.AddressPartTags,
			Matching:   true,
			Keys:       1,
		},
		ValidateFunc: validate,
		GenerateFunc: generate,
	}, e.id)
	return nil
}

func (e *Extension) Opcodes() []sieve.Opcode {
	return []sieve.Opcode{&sieve.OpcodeSpec{
		Mnemonic: Opcode,
		DumpFunc: func(in *sieve.Interpreter) error {
			if err := sieve.DumpAddressPart(in); err != nil {
				return err
			}
			if err := sieve.DumpMatchOperands(in); err != nil {
				return err
			}
			if err := in.DumpStringList("envelope-parts"); err != nil {
				return err
			}
			return in.DumpStringList("keys")
		},
		ExecuteFunc: execute,
	}}
}

func validate(_ *sieve.Validator, c *sieve.CommandContext) error {
	for _, part := range c.Positional[0].Strings() {
		switch strings.ToLower(part) {
		case "from", "to":
		default:
			return fmt.Errorf("envelope: unknown envelope part '%s'", part)
		}
	}
	return nil
}

func generate(g *sieve.Generator, c *sieve.CommandContext) error {
	if err := g.EmitOpcode(Opcode); err != nil {
		return err
	}
	g.EmitNumber(sieve.AddressPart(c))
	sieve.EmitMatchOperands(g, c)
	parts := c.Positional[0].Strings()
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	g.EmitStringList(parts)
	g.EmitStringList(c.Positional[1].Strings())
	return nil
}

func execute(in *sieve.Interpreter) (sieve.Status, error) {
	in.SetTestResult(false)
	part, err := sieve.ReadAddressPart(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	cmp, mt, err := sieve.ReadMatchOperands(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	parts, err := in.ReadStringList()
	if err != nil {
		return sieve.StatusContinue, err
	}
	keys, err := in.ReadStringList()
	if err != nil {
		return sieve.StatusContinue, err
	}

	env, ok := in.Message().(Envelope)
	if !ok {
		return sieve.StatusContinue, nil
	}
	var values []string
	for _, p := range parts {
		var addr string
		switch p {
		case "from":
			addr = env.EnvelopeFrom()
		case "to":
			addr = env.EnvelopeTo()
		default:
			return sieve.StatusContinue, fmt.Errorf("%w: envelope part %q", sieve.ErrCorruptOperand, p)
		}
		values = append(values, sieve.ExtractAddressPart(addr, part))
	}
	matched, err := in.MatchValues(cmp, mt, values, keys)
	in.SetTestResult(matched)
	return sieve.StatusContinue, err
}
