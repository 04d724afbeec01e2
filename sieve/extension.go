package sieve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"lukechampine.com/blake3"
)

// Extension is a language extension. The value itself is the extension's
// context: whatever state it needs across hooks lives in the implementing
// struct.
type Extension interface {
	Name() string
}

// Loader receives the extension id once at registration, before any other
// hook runs. A failing Load rejects the registration.
type Loader interface {
	Load(id int) error
}

// ValidatorLoader registers the extension's commands, tests, match types,
// comparators and argument kinds with a validator.
type ValidatorLoader interface {
	ValidatorLoad(v *Validator) error
}

// GeneratorLoader runs for every extension a script requires before code is
// generated. An error aborts the compilation.
type GeneratorLoader interface {
	GeneratorLoad(g *Generator) error
}

// InterpreterLoader runs for every extension a program uses when an
// interpreter is built for it.
type InterpreterLoader interface {
	InterpreterLoad(in *Interpreter) error
}

// OpcodeProvider contributes opcodes to the registry's opcode table.
type OpcodeProvider interface {
	Opcodes() []Opcode
}

// maxOpcodes is bounded by the one-byte tag in the instruction stream.
const maxOpcodes = 256

// Registry holds the registered extensions and the opcode table. Build one
// at startup, register every extension, and share it afterwards; it seals
// itself when the first validator or interpreter is created from it.
type Registry struct {
	mu      sync.Mutex
	exts    []Extension
	byName  map[string]int
	opcodes []Opcode
	opTags  map[string]byte

	sealOnce    sync.Once
	sealed      atomic.Bool
	fingerprint uint64
}

// NewRegistry returns a registry holding the core opcodes.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]int),
		opTags: make(map[string]byte),
	}
	for _, op := range coreOpcodes() {
		r.opTags[op.Name()] = byte(len(r.opcodes))
		r.opcodes = append(r.opcodes, op)
	}
	return r
}

// Register adds an extension and returns its id. Ids are dense and start at
// zero. Registration fails for duplicate names, after the registry was
// sealed, when Load fails or when the extension's opcodes collide with
// existing ones; in all those cases the registry is left unchanged.
func (r *Registry) Register(ext Extension) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return -1, ErrRegistrySealed
	}
	name := ext.Name()
	if name == "" {
		return -1, errors.New("extension has no name")
	}
	if _, dup := r.byName[name]; dup {
		return -1, fmt.Errorf("%w: %s", ErrDuplicateExtension, name)
	}

	var ops []Opcode
	if p, ok := ext.(OpcodeProvider); ok {
		ops = p.Opcodes()
		seen := make(map[string]bool, len(ops))
		for _, op := range ops {
			if _, dup := r.opTags[op.Name()]; dup || seen[op.Name()] {
				return -1, fmt.Errorf("extension %s: opcode %s already defined", name, op.Name())
			}
			seen[op.Name()] = true
		}
		if len(r.opcodes)+len(ops) > maxOpcodes {
			return -1, fmt.Errorf("extension %s: %w", name, ErrOpcodeTableFull)
		}
	}

	id := len(r.exts)
	if l, ok := ext.(Loader); ok {
		if err := l.Load(id); err != nil {
			return -1, fmt.Errorf("loading extension %s: %w", name, err)
		}
	}

	r.exts = append(r.exts, ext)
	r.byName[name] = id
	for _, op := range ops {
		r.opTags[op.Name()] = byte(len(r.opcodes))
		r.opcodes = append(r.opcodes, op)
	}
	return id, nil
}

// MustRegister is Register for startup code that cannot continue on error.
func (r *Registry) MustRegister(ext Extension) int {
	id, err := r.Register(ext)
	if err != nil {
		panic(err)
	}
	return id
}

// Lookup returns the extension registered under name.
func (r *Registry) Lookup(name string) (Extension, bool) {
	defer r.readLock()()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.exts[id], true
}

// ID returns the id of the extension registered under name.
func (r *Registry) ID(name string) (int, bool) {
	defer r.readLock()()
	id, ok := r.byName[name]
	return id, ok
}

// Extension returns the extension with the given id.
func (r *Registry) Extension(id int) Extension {
	defer r.readLock()()
	if id < 0 || id >= len(r.exts) {
		return nil
	}
	return r.exts[id]
}

// Names lists the registered extensions in registration order.
func (r *Registry) Names() []string {
	defer r.readLock()()
	names := make([]string, len(r.exts))
	for i, ext := range r.exts {
		names[i] = ext.Name()
	}
	return names
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	defer r.readLock()()
	return len(r.exts)
}

// readLock takes r.mu until the registry is sealed; afterwards the tables
// never change and reads go unlocked.
func (r *Registry) readLock() (unlock func()) {
	if r.sealed.Load() {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

// Seal makes the registry read-only. It is idempotent.
func (r *Registry) Seal() {
	r.sealOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		names := make([]string, len(r.opcodes))
		for i, op := range r.opcodes {
			names[i] = op.Name()
		}
		sum := blake3.Sum256([]byte(strings.Join(names, "\n")))
		r.fingerprint = binary.BigEndian.Uint64(sum[:8])
		r.sealed.Store(true)
	})
}

// Sealed reports whether the registry is read-only.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Fingerprint identifies the opcode table layout. Programs persisted with a
// different fingerprint cannot be loaded. Calling it seals the registry.
func (r *Registry) Fingerprint() uint64 {
	r.Seal()
	return r.fingerprint
}

// ForEachValidatorHook runs ValidatorLoad of every registered extension.
func (r *Registry) ForEachValidatorHook(v *Validator) error {
	for _, ext := range r.exts {
		if h, ok := ext.(ValidatorLoader); ok {
			if err := h.ValidatorLoad(v); err != nil {
				return fmt.Errorf("extension %s: %w", ext.Name(), err)
			}
		}
	}
	return nil
}

// ForEachGeneratorHook runs GeneratorLoad of every extension the script
// being generated requires.
func (r *Registry) ForEachGeneratorHook(g *Generator) error {
	for _, id := range g.extIDs {
		ext := r.exts[id]
		if h, ok := ext.(GeneratorLoader); ok {
			if err := h.GeneratorLoad(g); err != nil {
				return &GenerateError{Extension: ext.Name(), Err: err}
			}
		}
	}
	return nil
}

// ForEachInterpreterHook runs InterpreterLoad of every extension the
// interpreter's program uses.
func (r *Registry) ForEachInterpreterHook(in *Interpreter) error {
	for _, id := range in.extIDs {
		ext := r.exts[id]
		if h, ok := ext.(InterpreterLoader); ok {
			if err := h.InterpreterLoad(in); err != nil {
				return fmt.Errorf("extension %s: %w", ext.Name(), err)
			}
		}
	}
	return nil
}

func (r *Registry) opcode(tag byte) (Opcode, bool) {
	if int(tag) >= len(r.opcodes) {
		return nil, false
	}
	return r.opcodes[tag], true
}

func (r *Registry) opcodeTag(name string) (byte, bool) {
	tag, ok := r.opTags[name]
	return tag, ok
}
