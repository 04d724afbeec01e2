package sieve

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Address parts, as encoded in ADDRESS and ENVELOPE operands.
const (
	AddressAll int64 = iota
	AddressLocalPart
	AddressDomain
)

const addressPartGroup = "address-part"

// AddressPartTags are the address part tags shared by address and envelope.
var AddressPartTags = map[string]TagSpec{
	"all":       {Group: addressPartGroup},
	"localpart": {Group: addressPartGroup},
	"domain":    {Group: addressPartGroup},
}

// AddressPart returns the address part selected by a command's tags.
func AddressPart(c *CommandContext) int64 {
	switch c.GroupTag(addressPartGroup) {
	case "localpart":
		return AddressLocalPart
	case "domain":
		return AddressDomain
	}
	return AddressAll
}

// AddressPartName is the tag name of an address part, for dumps.
func AddressPartName(part int64) string {
	switch part {
	case AddressLocalPart:
		return "localpart"
	case AddressDomain:
		return "domain"
	}
	return "all"
}

// ExtractAddressPart returns one part of a bare address. Addresses without
// an '@' are all local part.
func ExtractAddressPart(addr string, part int64) string {
	at := strings.LastIndexByte(addr, '@')
	switch part {
	case AddressLocalPart:
		if at < 0 {
			return addr
		}
		return addr[:at]
	case AddressDomain:
		if at < 0 {
			return ""
		}
		return addr[at+1:]
	}
	return addr
}

// ValidateHeaderNames rejects strings that cannot be header field names.
func ValidateHeaderNames(arg *Argument) error {
	for _, m := range arg.Members() {
		if m.Str == "" {
			return fmt.Errorf("empty header name")
		}
		for i := 0; i < len(m.Str); i++ {
			if c := m.Str[i]; c <= ' ' || c >= 0x7f || c == ':' {
				return fmt.Errorf("invalid header name %q", m.Str)
			}
		}
	}
	return nil
}

// EmitMatchOperands writes the comparator and match type of a matching test.
func EmitMatchOperands(g *Generator, c *CommandContext) {
	g.EmitString(c.Comparator.Name())
	g.EmitString(c.MatchType.Name())
}

func controlCommand(name string, tests int, block bool) *CommandSpec {
	return &CommandSpec{Ident: name, Type: NodeCommand, Sig: Signature{Tests: tests, Block: block}}
}

func simpleCommand(name, opcode string) *CommandSpec {
	return &CommandSpec{
		Ident: name,
		Type:  NodeCommand,
		GenerateFunc: func(g *Generator, _ *CommandContext) error {
			return g.EmitOpcode(opcode)
		},
	}
}

func coreCommands() []CommandDef {
	return []CommandDef{
		&CommandSpec{Ident: "require", Type: NodeCommand, Sig: Signature{Positional: []ArgType{ArgStringList}}},
		controlCommand("if", 1, true),
		controlCommand("elsif", 1, true),
		controlCommand("else", 0, true),
		simpleCommand("stop", OpStop),
		simpleCommand("keep", OpKeep),
		simpleCommand("discard", OpDiscard),
		&CommandSpec{
			Ident: "redirect",
			Type:  NodeCommand,
			Sig:   Signature{Positional: []ArgType{ArgString}},
			ValidateFunc: func(_ *Validator, c *CommandContext) error {
				addr := c.Positional[0].Str
				if _, err := mail.ParseAddress(addr); err != nil {
					return fmt.Errorf("redirect: invalid address %q: %v", addr, err)
				}
				return nil
			},
			GenerateFunc: func(g *Generator, c *CommandContext) error {
				if err := g.EmitOpcode(OpRedirect); err != nil {
					return err
				}
				g.EmitString(c.Positional[0].Str)
				return nil
			},
		},

		&CommandSpec{Ident: "true", Type: NodeTest},
		&CommandSpec{Ident: "false", Type: NodeTest},
		&CommandSpec{Ident: "not", Type: NodeTest, Sig: Signature{Tests: 1}},
		&CommandSpec{Ident: "allof", Type: NodeTest, Sig: Signature{Tests: ManyTests}},
		&CommandSpec{Ident: "anyof", Type: NodeTest, Sig: Signature{Tests: ManyTests}},
		&CommandSpec{
			Ident: "address",
			Type:  NodeTest,
			Sig: Signature{
				Positional: []ArgType{ArgStringList, ArgStringList},
				Tags:       AddressPartTags,
				Matching:   true,
				Keys:       1,
			},
			ValidateFunc: func(_ *Validator, c *CommandContext) error {
				return ValidateHeaderNames(c.Positional[0])
			},
			GenerateFunc: func(g *Generator, c *CommandContext) error {
				if err := g.EmitOpcode(OpAddress); err != nil {
					return err
				}
				g.EmitNumber(AddressPart(c))
				EmitMatchOperands(g, c)
				g.EmitStringList(c.Positional[0].Strings())
				g.EmitStringList(c.Positional[1].Strings())
				return nil
			},
		},
		&CommandSpec{
			Ident: "header",
			Type:  NodeTest,
			Sig: Signature{
				Positional: []ArgType{ArgStringList, ArgStringList},
				Matching:   true,
				Keys:       1,
			},
			ValidateFunc: func(_ *Validator, c *CommandContext) error {
				return ValidateHeaderNames(c.Positional[0])
			},
			GenerateFunc: func(g *Generator, c *CommandContext) error {
				if err := g.EmitOpcode(OpHeader); err != nil {
					return err
				}
				EmitMatchOperands(g, c)
				g.EmitStringList(c.Positional[0].Strings())
				g.EmitStringList(c.Positional[1].Strings())
				return nil
			},
		},
		&CommandSpec{
			Ident: "exists",
			Type:  NodeTest,
			Sig:   Signature{Positional: []ArgType{ArgStringList}},
			ValidateFunc: func(_ *Validator, c *CommandContext) error {
				return ValidateHeaderNames(c.Positional[0])
			},
			GenerateFunc: func(g *Generator, c *CommandContext) error {
				if err := g.EmitOpcode(OpExists); err != nil {
					return err
				}
				g.EmitStringList(c.Positional[0].Strings())
				return nil
			},
		},
		&CommandSpec{
			Ident: "size",
			Type:  NodeTest,
			Sig: Signature{
				Positional: []ArgType{ArgNumber},
				Tags: map[string]TagSpec{
					"over":  {Group: "size"},
					"under": {Group: "size"},
				},
				RequiredGroups: []string{"size"},
			},
			GenerateFunc: func(g *Generator, c *CommandContext) error {
				op := OpSizeUnder
				if c.HasTag("over") {
					op = OpSizeOver
				}
				if err := g.EmitOpcode(op); err != nil {
					return err
				}
				g.EmitNumber(c.Positional[0].Num)
				return nil
			},
		},
	}
}
