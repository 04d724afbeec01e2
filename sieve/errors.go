package sieve

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateExtension  = errors.New("extension already registered")
	ErrRegistrySealed      = errors.New("extension registry is sealed")
	ErrUnknownExtension    = errors.New("unknown extension")
	ErrOpcodeTableFull     = errors.New("opcode table is full")
	ErrUnknownOpcode       = errors.New("unknown opcode")
	ErrTruncatedOperand    = errors.New("truncated operand")
	ErrCorruptOperand      = errors.New("corrupt operand")
	ErrJumpOutOfRange      = errors.New("jump target out of range")
	ErrMalformedProgram    = errors.New("malformed program binary")
	ErrIncompatibleProgram = errors.New("program was compiled against a different opcode table")
	ErrUnknownComparator   = errors.New("unknown comparator")
	ErrUnknownMatchType    = errors.New("unknown match type")
)

// Diagnostic is a single compile error tied to a script location.
type Diagnostic struct {
	Pos     Position
	Message string
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%s: error: %s", d.Pos, d.Message)
}

// ErrorList collects the diagnostics of a failed compilation.
type ErrorList []*Diagnostic

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0].Error(), len(l)-1)
}

// Err returns nil for an empty list and the list itself otherwise.
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Lines renders every diagnostic on its own line.
func (l ErrorList) Lines() string {
	var sb strings.Builder
	for _, d := range l {
		sb.WriteString(d.Error())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// GenerateError reports a code generation failure, typically an extension
// rejecting the script in its GeneratorLoad hook.
type GenerateError struct {
	Extension string
	Err       error
}

func (e *GenerateError) Error() string {
	if e.Extension == "" {
		return fmt.Sprintf("code generation failed: %v", e.Err)
	}
	return fmt.Sprintf("code generation failed in extension %s: %v", e.Extension, e.Err)
}

func (e *GenerateError) Unwrap() error {
	return e.Err
}

// ExecError is a fatal interpreter error. The stream position and the
// opcode being executed (if it could be decoded) are included.
type ExecError struct {
	PC     int
	Opcode string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Opcode == "" {
		return fmt.Sprintf("sieve: fatal error at %08x: %v", e.PC, e.Err)
	}
	return fmt.Sprintf("sieve: fatal error at %08x (%s): %v", e.PC, e.Opcode, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
