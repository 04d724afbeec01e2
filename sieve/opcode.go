package sieve

// Status tells the interpreter how to continue after an instruction.
type Status int

const (
	StatusContinue Status = iota
	StatusStop
)

// Opcode is one instruction. Dump and Execute must read the same operands in
// the same order so the disassembly mirrors what execution sees.
type Opcode interface {
	Name() string
	Dump(in *Interpreter) error
	Execute(in *Interpreter) (Status, error)
}

// Core opcode names. Their order in the opcode table is fixed.
const (
	OpJump      = "JMP"
	OpJumpTrue  = "JMPTRUE"
	OpJumpFalse = "JMPFALSE"
	OpStop      = "STOP"
	OpKeep      = "KEEP"
	OpDiscard   = "DISCARD"
	OpAddress   = "ADDRESS"
	OpHeader    = "HEADER"
	OpExists    = "EXISTS"
	OpSizeOver  = "SIZEOVER"
	OpSizeUnder = "SIZEUNDER"
	OpRedirect  = "REDIRECT"
)

// OpcodeSpec is an Opcode built from a pair of functions.
type OpcodeSpec struct {
	Mnemonic    string
	DumpFunc    func(in *Interpreter) error
	ExecuteFunc func(in *Interpreter) (Status, error)
}

func (o *OpcodeSpec) Name() string { return o.Mnemonic }

func (o *OpcodeSpec) Dump(in *Interpreter) error {
	in.DumpOpcode(o.Mnemonic)
	if o.DumpFunc == nil {
		return nil
	}
	return o.DumpFunc(in)
}

func (o *OpcodeSpec) Execute(in *Interpreter) (Status, error) {
	return o.ExecuteFunc(in)
}
