// Package body provides the body test (RFC 5173) with the :raw and :text
// transforms.
package body

import (
	"fmt"

	"github.com/allgood/pigeonhole/sieve"
)

const (
	Name   = "body"
	Opcode = "BODY"
)

// Transforms, as encoded in the BODY operand.
const (
	TransformText int64 = iota
	TransformRaw
)

// Text is implemented by messages that can provide a decoded text body.
type Text interface {
	BodyText() string
}

// Raw is implemented by messages that can provide the undecoded body.
type Raw interface {
	RawBody() string
}

// Extension registers the body test.
type Extension struct {
	id int
}

// New returns the body extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the id the registry assigned.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers the body test and its transform tags.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterCommand(&sieve.CommandSpec{
		Ident: "body",
		Type:  sieve.NodeTest,
		Sig: sieve.Signature{
			Positional: []sieve.ArgType{sieve.ArgStringList},
			Tags: map[string]sieve.TagSpec{
				"text": {Group: "transform"},
				"raw":  {Group: "transform"},
			},
			Matching: true,
			Keys:     0,
		},
		GenerateFunc: generate,
	}, e.id)
	return nil
}

// Opcodes returns the BODY test opcode.
func (e *Extension) Opcodes() []sieve.Opcode {
	return []sieve.Opcode{&sieve.OpcodeSpec{
		Mnemonic: Opcode,
		DumpFunc: func(in *sieve.Interpreter) error {
			t, err := readTransform(in)
			if err != nil {
				return err
			}
			in.DumpOperand("transform", transformName(t))
			if err := sieve.DumpMatchOperands(in); err != nil {
				return err
			}
			return in.DumpStringList("keys")
		},
		ExecuteFunc: execute,
	}}
}

func transformName(t int64) string {
	if t == TransformRaw {
		return "raw"
	}
	return "text"
}

func generate(g *sieve.Generator, c *sieve.CommandContext) error {
	if err := g.EmitOpcode(Opcode); err != nil {
		return err
	}
	transform := TransformText
	if c.GroupTag("transform") == "raw" {
		transform = TransformRaw
	}
	g.EmitNumber(transform)
	sieve.EmitMatchOperands(g, c)
	g.EmitStringList(c.Positional[0].Strings())
	return nil
}

func readTransform(in *sieve.Interpreter) (int64, error) {
	t, err := in.ReadNumber()
	if err != nil {
		return 0, err
	}
	if t != TransformText && t != TransformRaw {
		return 0, fmt.Errorf("%w: body transform %d", sieve.ErrCorruptOperand, t)
	}
	return t, nil
}

func execute(in *sieve.Interpreter) (sieve.Status, error) {
	in.SetTestResult(false)
	transform, err := readTransform(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	cmp, mt, err := sieve.ReadMatchOperands(in)
	if err != nil {
		return sieve.StatusContinue, err
	}
	keys, err := in.ReadStringList()
	if err != nil {
		return sieve.StatusContinue, err
	}

	var value string
	var ok bool
	if transform == TransformRaw {
		var r Raw
		if r, ok = in.Message().(Raw); ok {
			value = r.RawBody()
		}
	}
	if !ok {
		var t Text
		if t, ok = in.Message().(Text); !ok {
			return sieve.StatusContinue, nil
		}
		value = t.BodyText()
	}

	matched, err := in.MatchValues(cmp, mt, []string{value}, keys)
	in.SetTestResult(matched)
	return sieve.StatusContinue, err
}
