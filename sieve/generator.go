package sieve

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BytecodeVersion is the instruction stream format produced by Generator.
const BytecodeVersion = 1

// Label is a forward jump target. Jumps to a label are patched when the
// label is marked.
type Label struct {
	target int
	marked bool
	refs   []int
}

// Generator turns a validated script into an instruction stream.
type Generator struct {
	reg    *Registry
	v      *Validator
	code   []byte
	extIDs []int
	labels []*Label
	extCtx []any
}

func newGenerator(reg *Registry, v *Validator) *Generator {
	return &Generator{
		reg:    reg,
		v:      v,
		extIDs: v.requiredOrder,
		extCtx: make([]any, reg.Len()),
	}
}

// Version returns the bytecode version being generated.
func (g *Generator) Version() int {
	return BytecodeVersion
}

// Requires reports whether the script requires the named extension.
func (g *Generator) Requires(name string) bool {
	return g.v.Required(name)
}

// ExtensionContext returns per-generation state of an extension.
func (g *Generator) ExtensionContext(id int) any {
	if id < 0 || id >= len(g.extCtx) {
		return nil
	}
	return g.extCtx[id]
}

// SetExtensionContext stores per-generation state of an extension.
func (g *Generator) SetExtensionContext(id int, ctx any) {
	if id >= 0 && id < len(g.extCtx) {
		g.extCtx[id] = ctx
	}
}

// Pos is the address the next byte will be written at.
func (g *Generator) Pos() int {
	return len(g.code)
}

// EmitOpcode writes the tag of the named opcode.
func (g *Generator) EmitOpcode(name string) error {
	tag, ok := g.reg.opcodeTag(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOpcode, name)
	}
	g.code = append(g.code, tag)
	return nil
}

func (g *Generator) EmitNumber(n int64) {
	g.code = appendNumber(g.code, n)
}

func (g *Generator) EmitString(s string) {
	g.code = appendString(g.code, s)
}

func (g *Generator) EmitStringList(ss []string) {
	g.code = appendStringList(g.code, ss)
}

// NewLabel returns an unmarked label.
func (g *Generator) NewLabel() *Label {
	l := &Label{}
	g.labels = append(g.labels, l)
	return l
}

// Mark binds l to the current position and patches the jumps already
// emitted to it.
func (g *Generator) Mark(l *Label) error {
	if l.marked {
		return errors.New("label marked twice")
	}
	l.marked = true
	l.target = len(g.code)
	for _, at := range l.refs {
		binary.LittleEndian.PutUint32(g.code[at+2:], uint32(int32(l.target-at)))
	}
	l.refs = nil
	return nil
}

// EmitJump writes a JMP, JMPTRUE or JMPFALSE to l. Only forward jumps exist,
// so l must not be marked yet.
func (g *Generator) EmitJump(op string, l *Label) error {
	switch op {
	case OpJump, OpJumpTrue, OpJumpFalse:
	default:
		return fmt.Errorf("%s is not a jump opcode", op)
	}
	if l.marked {
		return errors.New("backward jump")
	}
	at := len(g.code)
	if err := g.EmitOpcode(op); err != nil {
		return err
	}
	g.code = appendOffset(g.code, 0)
	l.refs = append(l.refs, at)
	return nil
}

func (g *Generator) finish() ([]byte, error) {
	for _, l := range g.labels {
		if !l.marked {
			return nil, errors.New("unresolved jump label")
		}
	}
	return g.code, nil
}

func (g *Generator) generateBlock(cmds []*Command) error {
	for i := 0; i < len(cmds); i++ {
		c := cmds[i]
		switch c.Name {
		case "require":
		case "if":
			n, err := g.generateIf(cmds[i:])
			if err != nil {
				return err
			}
			i += n - 1
		default:
			if err := g.generateCommand(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// generateIf compiles an if/elsif/else chain and returns how many commands
// it consumed.
func (g *Generator) generateIf(cmds []*Command) (int, error) {
	n := 1
	for n < len(cmds) && (cmds[n].Name == "elsif" || cmds[n].Name == "else") {
		n++
		if cmds[n-1].Name == "else" {
			break
		}
	}
	chain := cmds[:n]
	end := g.NewLabel()
	for i, c := range chain {
		last := i == len(chain)-1
		if c.Name == "else" {
			if err := g.generateBlock(c.Block); err != nil {
				return 0, err
			}
			continue
		}
		next := g.NewLabel()
		if err := g.generateTest(c.Tests[0], next, false); err != nil {
			return 0, err
		}
		if err := g.generateBlock(c.Block); err != nil {
			return 0, err
		}
		if !last {
			if err := g.EmitJump(OpJump, end); err != nil {
				return 0, err
			}
		}
		if err := g.Mark(next); err != nil {
			return 0, err
		}
	}
	return n, g.Mark(end)
}

// generateTest emits code that jumps to l when the test's outcome equals
// jumpIf and falls through otherwise.
func (g *Generator) generateTest(t *Command, l *Label, jumpIf bool) error {
	switch t.Name {
	case "true":
		if jumpIf {
			return g.EmitJump(OpJump, l)
		}
		return nil
	case "false":
		if !jumpIf {
			return g.EmitJump(OpJump, l)
		}
		return nil
	case "not":
		return g.generateTest(t.Tests[0], l, !jumpIf)
	case "allof", "anyof":
		// allof jumps out on the first false member, anyof on the first true.
		shortCircuit := t.Name == "anyof"
		if jumpIf == shortCircuit {
			for _, sub := range t.Tests {
				if err := g.generateTest(sub, l, jumpIf); err != nil {
					return err
				}
			}
			return nil
		}
		skip := g.NewLabel()
		for _, sub := range t.Tests {
			if err := g.generateTest(sub, skip, shortCircuit); err != nil {
				return err
			}
		}
		if err := g.EmitJump(OpJump, l); err != nil {
			return err
		}
		return g.Mark(skip)
	}
	if err := g.generateCommand(t); err != nil {
		return err
	}
	op := OpJumpFalse
	if jumpIf {
		op = OpJumpTrue
	}
	return g.EmitJump(op, l)
}

func (g *Generator) generateCommand(c *Command) error {
	ctx := c.ctx
	if ctx == nil {
		return fmt.Errorf("%s: '%s' was not validated", c.Pos, c.Name)
	}
	cg, ok := ctx.Def.(CommandGenerator)
	if !ok {
		return fmt.Errorf("%s: '%s' has no code generator", c.Pos, c.Name)
	}
	if err := cg.Generate(g, ctx); err != nil {
		return fmt.Errorf("%s: %w", c.Pos, err)
	}
	return nil
}
