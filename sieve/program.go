package sieve

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var programMagic = [4]byte{'S', 'V', 'B', 'C'}

// Program is a compiled script. It is immutable and may be executed by any
// number of interpreters concurrently.
type Program struct {
	code        []byte
	extensions  []string
	fingerprint uint64
	cache       *MatchCache
}

// Compile validates script and generates its program. Validation failures
// are returned as an ErrorList, generation failures as *GenerateError.
func (r *Registry) Compile(script *Script, opts CompileOptions) (*Program, error) {
	v, err := NewValidator(r, script, opts)
	if err != nil {
		return nil, err
	}
	if errs := v.Validate(); len(errs) > 0 {
		return nil, errs
	}

	g := newGenerator(r, v)
	if err := r.ForEachGeneratorHook(g); err != nil {
		return nil, err
	}
	if err := g.generateBlock(script.Commands); err != nil {
		return nil, &GenerateError{Err: err}
	}
	code, err := g.finish()
	if err != nil {
		return nil, &GenerateError{Err: err}
	}

	names := make([]string, len(g.extIDs))
	for i, id := range g.extIDs {
		names[i] = r.exts[id].Name()
	}
	return &Program{
		code:        code,
		extensions:  names,
		fingerprint: r.Fingerprint(),
		cache:       &MatchCache{},
	}, nil
}

// Code returns a copy of the instruction stream.
func (p *Program) Code() []byte {
	return bytes.Clone(p.code)
}

// Extensions lists the extensions the program needs, in require order.
func (p *Program) Extensions() []string {
	return slices.Clone(p.extensions)
}

// MatchCache returns the program's match state cache.
func (p *Program) MatchCache() *MatchCache {
	return p.cache
}

// Dump disassembles the program.
func (p *Program) Dump(reg *Registry, w io.Writer) error {
	in, err := newInterpreter(reg, p)
	if err != nil {
		return err
	}
	return in.Dump(w)
}

// Verify decodes the whole program and checks that every jump lands on an
// instruction boundary or the end of the stream.
func (p *Program) Verify(reg *Registry) error {
	in, err := newInterpreter(reg, p)
	if err != nil {
		return err
	}
	if err := in.Dump(io.Discard); err != nil {
		return err
	}
	for _, j := range in.jumps {
		if j.target <= j.from || j.target > len(p.code) {
			return &ExecError{PC: j.from, Err: fmt.Errorf("%w: target %08x", ErrJumpOutOfRange, j.target)}
		}
		if j.target != len(p.code) && !in.boundaries[j.target] {
			return &ExecError{PC: j.from, Err: fmt.Errorf("%w: target %08x is not an instruction boundary", ErrJumpOutOfRange, j.target)}
		}
	}
	return nil
}

// MarshalBinary encodes the program for storage. The encoding carries the
// registry fingerprint so it can only be loaded by a compatible registry.
func (p *Program) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, len(p.code)+64)
	b = append(b, programMagic[:]...)
	b = append(b, BytecodeVersion)
	b = binary.BigEndian.AppendUint64(b, p.fingerprint)
	b = binary.AppendUvarint(b, uint64(len(p.extensions)))
	for _, name := range p.extensions {
		b = binary.AppendUvarint(b, uint64(len(name)))
		b = append(b, name...)
	}
	b = binary.AppendUvarint(b, uint64(len(p.code)))
	return append(b, p.code...), nil
}

// LoadProgram decodes a program stored with MarshalBinary and verifies it
// against reg.
func LoadProgram(reg *Registry, data []byte) (*Program, error) {
	if len(data) < len(programMagic)+1+8 || !bytes.Equal(data[:4], programMagic[:]) {
		return nil, ErrMalformedProgram
	}
	if data[4] != BytecodeVersion {
		return nil, fmt.Errorf("%w: bytecode version %d", ErrIncompatibleProgram, data[4])
	}
	p := &Program{
		fingerprint: binary.BigEndian.Uint64(data[5:13]),
		cache:       &MatchCache{},
	}
	if p.fingerprint != reg.Fingerprint() {
		return nil, ErrIncompatibleProgram
	}

	r := codeReader{code: data, pc: 13}
	count, err := r.uvarint()
	if err != nil {
		return nil, errors.Join(ErrMalformedProgram, err)
	}
	if count > uint64(len(data)) {
		return nil, ErrMalformedProgram
	}
	for range count {
		name, err := r.rawString()
		if err != nil {
			return nil, errors.Join(ErrMalformedProgram, err)
		}
		if _, ok := reg.ID(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, name)
		}
		p.extensions = append(p.extensions, name)
	}
	code, err := r.rawString()
	if err != nil {
		return nil, errors.Join(ErrMalformedProgram, err)
	}
	if r.pc != len(data) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedProgram)
	}
	p.code = []byte(code)

	if err := p.Verify(reg); err != nil {
		return nil, err
	}
	return p, nil
}
