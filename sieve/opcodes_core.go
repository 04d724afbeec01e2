package sieve

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

type jumpCond int

const (
	jumpAlways jumpCond = iota
	jumpIfTrue
	jumpIfFalse
)

type jumpOpcode struct {
	name string
	cond jumpCond
}

func (o *jumpOpcode) Name() string { return o.name }

func (o *jumpOpcode) Dump(in *Interpreter) error {
	off, err := in.ReadOffset()
	if err != nil {
		return err
	}
	in.DumpJump(o.name, off)
	return nil
}

func (o *jumpOpcode) Execute(in *Interpreter) (Status, error) {
	off, err := in.ReadOffset()
	if err != nil {
		return StatusContinue, err
	}
	take := o.cond == jumpAlways ||
		(o.cond == jumpIfTrue && in.TestResult()) ||
		(o.cond == jumpIfFalse && !in.TestResult())
	return StatusContinue, in.Jump(off, take)
}

func coreOpcodes() []Opcode {
	return []Opcode{
		&jumpOpcode{name: OpJump, cond: jumpAlways},
		&jumpOpcode{name: OpJumpTrue, cond: jumpIfTrue},
		&jumpOpcode{name: OpJumpFalse, cond: jumpIfFalse},
		&OpcodeSpec{
			Mnemonic: OpStop,
			ExecuteFunc: func(*Interpreter) (Status, error) {
				return StatusStop, nil
			},
		},
		&OpcodeSpec{
			Mnemonic: OpKeep,
			ExecuteFunc: func(in *Interpreter) (Status, error) {
				in.Result().Keep()
				return StatusContinue, nil
			},
		},
		&OpcodeSpec{
			Mnemonic: OpDiscard,
			ExecuteFunc: func(in *Interpreter) (Status, error) {
				in.Result().Discard()
				return StatusContinue, nil
			},
		},
		&OpcodeSpec{Mnemonic: OpAddress, DumpFunc: dumpAddress, ExecuteFunc: executeAddress},
		&OpcodeSpec{Mnemonic: OpHeader, DumpFunc: dumpHeader, ExecuteFunc: executeHeader},
		&OpcodeSpec{
			Mnemonic: OpExists,
			DumpFunc: func(in *Interpreter) error {
				return in.DumpStringList("headers")
			},
			ExecuteFunc: executeExists,
		},
		&OpcodeSpec{
			Mnemonic: OpSizeOver,
			DumpFunc: func(in *Interpreter) error {
				return in.DumpNumber("limit")
			},
			ExecuteFunc: func(in *Interpreter) (Status, error) {
				return executeSize(in, true)
			},
		},
		&OpcodeSpec{
			Mnemonic: OpSizeUnder,
			DumpFunc: func(in *Interpreter) error {
				return in.DumpNumber("limit")
			},
			ExecuteFunc: func(in *Interpreter) (Status, error) {
				return executeSize(in, false)
			},
		},
		&OpcodeSpec{
			Mnemonic: OpRedirect,
			DumpFunc: func(in *Interpreter) error {
				return in.DumpString("address")
			},
			ExecuteFunc: executeRedirect,
		},
	}
}

// ReadMatchOperands reads the comparator and match type of a matching test.
func ReadMatchOperands(in *Interpreter) (comparator, matchType string, err error) {
	if comparator, err = in.ReadString(); err != nil {
		return "", "", err
	}
	if matchType, err = in.ReadString(); err != nil {
		return "", "", err
	}
	return comparator, matchType, nil
}

// DumpMatchOperands is the dump counterpart of ReadMatchOperands.
func DumpMatchOperands(in *Interpreter) error {
	if err := in.DumpString("comparator"); err != nil {
		return err
	}
	return in.DumpString("match-type")
}

func readAddressPart(in *Interpreter) (int64, error) {
	part, err := in.ReadNumber()
	if err != nil {
		return 0, err
	}
	if part < AddressAll || part > AddressDomain {
		return 0, fmt.Errorf("%w: address part %d", ErrCorruptOperand, part)
	}
	return part, nil
}

// DumpAddressPart dumps an address part operand by name.
func DumpAddressPart(in *Interpreter) error {
	part, err := readAddressPart(in)
	if err != nil {
		return err
	}
	in.DumpOperand("address-part", AddressPartName(part))
	return nil
}

// ReadAddressPart reads an address part operand.
func ReadAddressPart(in *Interpreter) (int64, error) {
	return readAddressPart(in)
}

func dumpAddress(in *Interpreter) error {
	if err := DumpAddressPart(in); err != nil {
		return err
	}
	if err := DumpMatchOperands(in); err != nil {
		return err
	}
	if err := in.DumpStringList("headers"); err != nil {
		return err
	}
	return in.DumpStringList("keys")
}

// AddressValues parses a header value as an address list and returns the
// requested part of every address. Values that do not parse are used whole.
func AddressValues(raw string, part int64) []string {
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		return []string{ExtractAddressPart(strings.TrimSpace(raw), part)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, ExtractAddressPart(a.Address, part))
	}
	return out
}

func executeAddress(in *Interpreter) (Status, error) {
	in.SetTestResult(false)
	part, err := readAddressPart(in)
	if err != nil {
		return StatusContinue, err
	}
	cmp, mt, err := ReadMatchOperands(in)
	if err != nil {
		return StatusContinue, err
	}
	headers, err := in.ReadStringList()
	if err != nil {
		return StatusContinue, err
	}
	keys, err := in.ReadStringList()
	if err != nil {
		return StatusContinue, err
	}

	var values []string
	for _, h := range headers {
		for _, raw := range in.Message().HeaderValues(h) {
			values = append(values, AddressValues(raw, part)...)
		}
	}
	ok, err := in.MatchValues(cmp, mt, values, keys)
	in.SetTestResult(ok)
	return StatusContinue, err
}

func dumpHeader(in *Interpreter) error {
	if err := DumpMatchOperands(in); err != nil {
		return err
	}
	if err := in.DumpStringList("headers"); err != nil {
		return err
	}
	return in.DumpStringList("keys")
}

func executeHeader(in *Interpreter) (Status, error) {
	in.SetTestResult(false)
	cmp, mt, err := ReadMatchOperands(in)
	if err != nil {
		return StatusContinue, err
	}
	headers, err := in.ReadStringList()
	if err != nil {
		return StatusContinue, err
	}
	keys, err := in.ReadStringList()
	if err != nil {
		return StatusContinue, err
	}

	var values []string
	for _, h := range headers {
		values = append(values, in.Message().HeaderValues(h)...)
	}
	ok, err := in.MatchValues(cmp, mt, values, keys)
	in.SetTestResult(ok)
	return StatusContinue, err
}

func executeExists(in *Interpreter) (Status, error) {
	in.SetTestResult(false)
	headers, err := in.ReadStringList()
	if err != nil {
		return StatusContinue, err
	}
	for _, h := range headers {
		if len(in.Message().HeaderValues(h)) == 0 {
			return StatusContinue, nil
		}
	}
	in.SetTestResult(true)
	return StatusContinue, nil
}

func executeSize(in *Interpreter, over bool) (Status, error) {
	in.SetTestResult(false)
	limit, err := in.ReadNumber()
	if err != nil {
		return StatusContinue, err
	}
	size := in.Message().Size()
	if over {
		in.SetTestResult(size > limit)
	} else {
		in.SetTestResult(size < limit)
	}
	return StatusContinue, nil
}

// RedirectAction forwards the message to another address.
type RedirectAction struct {
	Address string
}

func (a *RedirectAction) ActionName() string { return "redirect" }
func (a *RedirectAction) Target() string     { return strings.ToLower(a.Address) }

func executeRedirect(in *Interpreter) (Status, error) {
	addr, err := in.ReadString()
	if err != nil {
		return StatusContinue, err
	}
	in.Result().AddAction(&RedirectAction{Address: addr}, true)
	return StatusContinue, nil
}
