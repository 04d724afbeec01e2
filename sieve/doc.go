// Package sieve implements the bytecode compiler and virtual machine behind
// the SIEVE (RFC 5228) mail filtering language.
//
// A script goes through three stages:
//
//	script text -> *Script (see package sieve/parser)
//	*Script     -> *Program   Registry.Compile (validator + generator)
//	*Program    -> *Result    NewInterpreter(...).Run
//
// # Extensions
//
// Everything beyond the core language is contributed by extensions
// registered in a Registry at startup. An extension is any value with a
// Name; it takes part in the compile and run phases by implementing some
// of the hook interfaces:
//
//   - Loader: receives the numeric id assigned at registration
//   - ValidatorLoader: registers commands, tests, match types, comparators
//     and argument kinds with a Validator
//   - GeneratorLoader: may veto code generation for a script
//   - InterpreterLoader: registers run-time match types and comparators and
//     sets up per-run extension context
//   - OpcodeProvider: appends opcodes to the registry's opcode table
//
// The registry is sealed as soon as the first validator or interpreter is
// built from it. After that it is read-only and may be shared by any number
// of concurrent compilations and executions.
//
// # Instruction stream
//
// A Program holds an immutable byte stream. Each instruction is a one-byte
// opcode tag (the opcode's index in the registry's opcode table) followed by
// typed operands. Jumps carry a signed 32-bit offset relative to the address
// of the jump instruction itself and only ever go forward, so every program
// terminates.
//
// # Execution
//
// The interpreter keeps a program counter, a test-result register written by
// test opcodes and read by JMPTRUE/JMPFALSE, one context slot per extension,
// and the Result under construction. The result starts as an implicit keep;
// KEEP and DISCARD overwrite the disposition (last one wins) and do not stop
// execution. Corrupt streams stop the VM with an *ExecError, which is
// distinct from a script-level stop.
package sieve
