package sieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/allgood/pigeonhole/logger"
)

// Message is the message a program runs against. HeaderValues returns the
// decoded, unfolded values of every field with the given name, matched
// case-insensitively, in message order.
type Message interface {
	HeaderValues(name string) []string
	Size() int64
}

// Interpreter executes one program against one message. It is not safe for
// concurrent use; build one per execution.
type Interpreter struct {
	codeReader

	reg    *Registry
	prog   *Program
	msg    Message
	extIDs []int

	opStart    int
	testResult bool
	extCtx     []any
	result     *Result

	matchTypes  map[string]MatchType
	comparators map[string]Comparator

	trace bool
	ran   bool

	dump       io.Writer
	dumpErr    error
	boundaries map[int]bool
	jumps      []jumpRecord
}

type jumpRecord struct {
	from, target int
}

// NewInterpreter prepares the execution of prog against msg and runs the
// interpreter hooks of the extensions the program uses.
func NewInterpreter(reg *Registry, prog *Program, msg Message) (*Interpreter, error) {
	in, err := newInterpreter(reg, prog)
	if err != nil {
		return nil, err
	}
	in.msg = msg
	in.trace = logger.Get().Enabled(context.Background(), slog.LevelDebug)
	if err := reg.ForEachInterpreterHook(in); err != nil {
		return nil, err
	}
	return in, nil
}

func newInterpreter(reg *Registry, prog *Program) (*Interpreter, error) {
	if prog.fingerprint != reg.Fingerprint() {
		return nil, ErrIncompatibleProgram
	}
	in := &Interpreter{
		codeReader:  codeReader{code: prog.code},
		reg:         reg,
		prog:        prog,
		extCtx:      make([]any, reg.Len()),
		result:      newResult(),
		matchTypes:  make(map[string]MatchType),
		comparators: make(map[string]Comparator),
	}
	for _, name := range prog.extensions {
		id, ok := reg.ID(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, name)
		}
		in.extIDs = append(in.extIDs, id)
	}
	for _, mt := range coreMatchTypes() {
		in.RegisterMatchType(mt)
	}
	for _, c := range coreComparators() {
		in.RegisterComparator(c)
	}
	return in, nil
}

// Run executes the program. A script-level stop and the end of the stream
// both return the result; corrupt code returns an *ExecError and a canceled
// context its error. Run can only be called once.
func (in *Interpreter) Run(ctx context.Context) (*Result, error) {
	if in.ran {
		return nil, errors.New("sieve: interpreter already ran")
	}
	in.ran = true

	for in.pc < len(in.code) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in.opStart = in.pc
		op, err := in.readOpcode()
		if err != nil {
			return nil, &ExecError{PC: in.opStart, Err: err}
		}
		if in.trace {
			logger.DebugContext(ctx, "Sieve: executing opcode", "pc", in.opStart, "opcode", op.Name())
		}
		status, err := op.Execute(in)
		if err != nil {
			var ee *ExecError
			if errors.As(err, &ee) {
				return nil, ee
			}
			return nil, &ExecError{PC: in.opStart, Opcode: op.Name(), Err: err}
		}
		if status == StatusStop {
			break
		}
	}
	return in.result, nil
}

func (in *Interpreter) readOpcode() (Opcode, error) {
	tag := in.code[in.pc]
	op, ok := in.reg.opcode(tag)
	if !ok {
		return nil, fmt.Errorf("%w: tag %#02x", ErrUnknownOpcode, tag)
	}
	in.pc++
	return op, nil
}

// Dump writes a disassembly of the program to w without executing it.
func (in *Interpreter) Dump(w io.Writer) error {
	in.dump = w
	in.pc = 0
	in.boundaries = make(map[int]bool)
	in.jumps = nil
	for in.pc < len(in.code) {
		in.opStart = in.pc
		in.boundaries[in.pc] = true
		op, err := in.readOpcode()
		if err != nil {
			return &ExecError{PC: in.opStart, Err: err}
		}
		if err := op.Dump(in); err != nil {
			return &ExecError{PC: in.opStart, Opcode: op.Name(), Err: err}
		}
	}
	return in.dumpErr
}

// Dumping reports whether the interpreter is disassembling.
func (in *Interpreter) Dumping() bool {
	return in.dump != nil
}

func (in *Interpreter) dumpf(format string, args ...any) {
	if in.dump == nil || in.dumpErr != nil {
		return
	}
	_, in.dumpErr = fmt.Fprintf(in.dump, format, args...)
}

// DumpOpcode writes the first line of an instruction.
func (in *Interpreter) DumpOpcode(text string) {
	in.dumpf("%08x: %s\n", in.opStart, text)
}

// DumpOperand writes one operand line.
func (in *Interpreter) DumpOperand(label string, value any) {
	in.dumpf("%10s%s: %v\n", "", label, value)
}

// DumpJump writes a jump instruction and records its target.
func (in *Interpreter) DumpJump(name string, off int) {
	target := in.opStart + off
	in.jumps = append(in.jumps, jumpRecord{from: in.opStart, target: target})
	in.DumpOpcode(fmt.Sprintf("%s %d [%08x]", name, off, target))
}

// DumpNumber reads and dumps a number operand.
func (in *Interpreter) DumpNumber(label string) error {
	n, err := in.ReadNumber()
	if err != nil {
		return err
	}
	in.DumpOperand(label, n)
	return nil
}

// DumpString reads and dumps a string operand.
func (in *Interpreter) DumpString(label string) error {
	s, err := in.ReadString()
	if err != nil {
		return err
	}
	in.DumpOperand(label, fmt.Sprintf("%q", s))
	return nil
}

// DumpStringList reads and dumps a string list operand.
func (in *Interpreter) DumpStringList(label string) error {
	ss, err := in.ReadStringList()
	if err != nil {
		return err
	}
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	in.DumpOperand(label, "["+strings.Join(quoted, ", ")+"]")
	return nil
}

func (in *Interpreter) ReadNumber() (int64, error)       { return in.readNumber() }
func (in *Interpreter) ReadString() (string, error)      { return in.readString() }
func (in *Interpreter) ReadStringList() ([]string, error) { return in.readStringList() }
func (in *Interpreter) ReadOffset() (int, error)         { return in.readOffset() }

// Jump validates a jump offset relative to the current instruction and
// moves there when take is set. Offsets are checked even when not taken.
func (in *Interpreter) Jump(off int, take bool) error {
	if err := checkOffset(off); err != nil {
		return err
	}
	target := in.opStart + off
	if target > len(in.code) {
		return fmt.Errorf("%w: target %08x beyond end %08x", ErrJumpOutOfRange, target, len(in.code))
	}
	if take {
		in.pc = target
	}
	return nil
}

// PC is the address of the next byte to decode.
func (in *Interpreter) PC() int { return in.pc }

// OpStart is the address of the instruction being executed.
func (in *Interpreter) OpStart() int { return in.opStart }

func (in *Interpreter) TestResult() bool     { return in.testResult }
func (in *Interpreter) SetTestResult(v bool) { in.testResult = v }

func (in *Interpreter) Message() Message   { return in.msg }
func (in *Interpreter) Result() *Result    { return in.result }
func (in *Interpreter) Program() *Program  { return in.prog }
func (in *Interpreter) Registry() *Registry { return in.reg }

// MatchCache returns the program's match cache.
func (in *Interpreter) MatchCache() *MatchCache {
	return in.prog.cache
}

// ExtensionContext returns the per-run state of an extension.
func (in *Interpreter) ExtensionContext(id int) any {
	if id < 0 || id >= len(in.extCtx) {
		return nil
	}
	return in.extCtx[id]
}

// SetExtensionContext stores per-run state of an extension.
func (in *Interpreter) SetExtensionContext(id int, ctx any) {
	if id >= 0 && id < len(in.extCtx) {
		in.extCtx[id] = ctx
	}
}

// RegisterMatchType makes a match type available to matching opcodes.
func (in *Interpreter) RegisterMatchType(mt MatchType) {
	in.matchTypes[mt.Name()] = mt
}

// RegisterComparator makes a comparator available to matching opcodes.
func (in *Interpreter) RegisterComparator(c Comparator) {
	in.comparators[c.Name()] = c
}

// Comparator looks up a run-time comparator.
func (in *Interpreter) Comparator(name string) (Comparator, error) {
	c, ok := in.comparators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComparator, name)
	}
	return c, nil
}

// MatchType looks up a run-time match type.
func (in *Interpreter) MatchType(name string) (MatchType, error) {
	mt, ok := in.matchTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatchType, name)
	}
	return mt, nil
}

// MatchValues reports whether any value matches any key. A comparator or
// match type the interpreter does not know counts as a non-match.
func (in *Interpreter) MatchValues(comparator, matchType string, values, keys []string) (bool, error) {
	cmp, err := in.Comparator(comparator)
	if err != nil {
		logger.Warn("Sieve: test skipped", "pc", in.opStart, "error", err)
		return false, nil
	}
	mt, err := in.MatchType(matchType)
	if err != nil {
		logger.Warn("Sieve: test skipped", "pc", in.opStart, "error", err)
		return false, nil
	}
	for _, key := range keys {
		if in.matchKey(mt, cmp, key, values) {
			return true, nil
		}
	}
	return false, nil
}

func (in *Interpreter) matchKey(mt MatchType, cmp Comparator, key string, values []string) bool {
	mctx, err := mt.Init(in, cmp, key)
	if err != nil {
		logger.Debug("Sieve: match key rejected", "match_type", mt.Name(), "comparator", cmp.Name(), "key", key, "error", err)
		return false
	}
	defer mt.Deinit(mctx)
	for _, v := range values {
		ok, err := mt.Match(v, key, mctx)
		if err != nil {
			logger.Debug("Sieve: match failed", "match_type", mt.Name(), "key", key, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
