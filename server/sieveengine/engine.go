package sieveengine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/sieve"
	"github.com/allgood/pigeonhole/sieve/ext/body"
	"github.com/allgood/pigeonhole/sieve/ext/envelope"
	"github.com/allgood/pigeonhole/sieve/ext/fileinto"
	"github.com/allgood/pigeonhole/sieve/ext/imap4flags"
	"github.com/allgood/pigeonhole/sieve/ext/regex"
	"github.com/allgood/pigeonhole/sieve/ext/unicodecasemap"
	"github.com/allgood/pigeonhole/sieve/ext/vacation"
	"github.com/allgood/pigeonhole/sieve/ext/variables"
	"github.com/allgood/pigeonhole/sieve/parser"
)

// DiskTier is the node-local program cache (see package cache).
type DiskTier interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
}

// SharedTier is the program store shared by all nodes (see package storage).
type SharedTier interface {
	Get(ctx context.Context, hash string) ([]byte, error)
	Put(ctx context.Context, hash string, data []byte) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithDiskCache(d DiskTier) Option {
	return func(e *Engine) { e.disk = d }
}

func WithSharedStore(s SharedTier) Option {
	return func(e *Engine) { e.shared = s }
}

// WithVacationOracle sets the oracle used by executors created without one.
func WithVacationOracle(o VacationOracle) Option {
	return func(e *Engine) { e.defaultOracle = o }
}

// Engine compiles and caches programs. It is safe for concurrent use.
type Engine struct {
	reg       *sieve.Registry
	enabled   []string
	vars      sieve.MapVariables
	maxSize   int64
	timeout   time.Duration
	vacPeriod vacation.Config

	programs *ProgramCache
	disk     DiskTier
	shared   SharedTier

	defaultOracle VacationOracle
}

// Compiled is a program together with its content address.
type Compiled struct {
	Hash    string
	Program *sieve.Program
}

// NewRegistry builds the extension registry with every built-in extension.
// Registration order is fixed so that the fingerprint only depends on the
// registered opcode names. The vacation bounds are not part of it.
func NewRegistry(vc vacation.Config) (*sieve.Registry, error) {
	reg := sieve.NewRegistry()
	for _, ext := range []sieve.Extension{
		regex.New(),
		variables.New(),
		fileinto.New(),
		envelope.New(),
		body.New(),
		imap4flags.New(),
		vacation.New(vc),
		unicodecasemap.New(),
	} {
		if _, err := reg.Register(ext); err != nil {
			return nil, fmt.Errorf("registering %s: %w", ext.Name(), err)
		}
	}
	reg.Seal()
	return reg, nil
}

// VacationConfig converts the configured periods.
func VacationConfig(cfg config.SieveVacationConfig) (vacation.Config, error) {
	def, lo, hi, err := cfg.GetPeriods()
	if err != nil {
		return vacation.Config{}, err
	}
	return vacation.Config{DefaultPeriod: def, MinPeriod: lo, MaxPeriod: hi}, nil
}

// ValidateExtensions checks that every name is a registered extension.
func ValidateExtensions(reg *sieve.Registry, extensions []string) error {
	var invalid []string
	for _, ext := range extensions {
		if _, ok := reg.Lookup(ext); !ok {
			invalid = append(invalid, ext)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid SIEVE extensions: %s (supported: %s)",
			strings.Join(invalid, ", "), strings.Join(reg.Names(), ", "))
	}
	return nil
}

// New creates an engine from the [sieve] configuration.
func New(cfg config.SieveConfig, opts ...Option) (*Engine, error) {
	vc, err := VacationConfig(cfg.Vacation)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(vc)
	if err != nil {
		return nil, err
	}
	if err := ValidateExtensions(reg, cfg.EnabledExtensions); err != nil {
		return nil, err
	}
	maxSize, err := cfg.GetMaxScriptSize()
	if err != nil {
		return nil, fmt.Errorf("sieve max_script_size: %w", err)
	}
	timeout, err := cfg.GetExecutionTimeout()
	if err != nil {
		return nil, fmt.Errorf("sieve execution_timeout: %w", err)
	}
	ttl, err := cfg.GetProgramCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("sieve program_cache_ttl: %w", err)
	}

	e := &Engine{
		reg:       reg,
		maxSize:   maxSize,
		timeout:   timeout,
		vacPeriod: vc,
		programs:  NewProgramCache(cfg.GetProgramCacheSize(), ttl),
	}
	if len(cfg.EnabledExtensions) > 0 {
		e.enabled = slices.Clone(cfg.EnabledExtensions)
		slices.Sort(e.enabled)
		e.enabled = slices.Compact(e.enabled)
	}
	if len(cfg.Variables) > 0 {
		e.vars = make(sieve.MapVariables, len(cfg.Variables))
		for k, v := range cfg.Variables {
			e.vars[strings.ToLower(k)] = v
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultOracle == nil {
		e.defaultOracle = NewMemoryVacationOracle()
	}
	return e, nil
}

func (e *Engine) Registry() *sieve.Registry { return e.reg }

// Capabilities lists the extensions scripts may require.
func (e *Engine) Capabilities() []string {
	if e.enabled != nil {
		return slices.Clone(e.enabled)
	}
	names := e.reg.Names()
	slices.Sort(names)
	return names
}

// Programs exposes the memory tier.
func (e *Engine) Programs() *ProgramCache { return e.programs }

func (e *Engine) compileOptions() sieve.CompileOptions {
	opts := sieve.CompileOptions{EnabledExtensions: e.enabled}
	if e.vars != nil {
		opts.Variables = e.vars
	}
	return opts
}

// ProgramHash returns the content address of script under this engine's
// configuration.
func (e *Engine) ProgramHash(script string) string {
	h := blake3.New(32, nil)
	var n [8]byte
	frame := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	binary.BigEndian.PutUint64(n[:], e.reg.Fingerprint())
	h.Write(n[:])
	// :days is clamped into the stream at compile time.
	for _, d := range []time.Duration{e.vacPeriod.DefaultPeriod, e.vacPeriod.MinPeriod, e.vacPeriod.MaxPeriod} {
		binary.BigEndian.PutUint64(n[:], uint64(d))
		h.Write(n[:])
	}
	frame(script)
	frame(strings.Join(e.enabled, ","))
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		frame(k)
		frame(e.vars[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Parse checks the size limit and parses script.
func (e *Engine) Parse(name, script string) (*sieve.Script, error) {
	if e.maxSize > 0 && int64(len(script)) > e.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", consts.ErrScriptTooLarge, len(script), e.maxSize)
	}
	return parser.Parse(name, script)
}

// CheckScript parses and validates script without caching anything. Syntax
// and validation failures are returned as a sieve.ErrorList.
func (e *Engine) CheckScript(script string) error {
	_, err := e.compile("script", script)
	return err
}

// CompileFile compiles script without caching. Diagnostics are reported
// against name.
func (e *Engine) CompileFile(name, script string) (*sieve.Program, error) {
	return e.compile(name, script)
}

func (e *Engine) compile(name, script string) (*sieve.Program, error) {
	start := time.Now()
	parsed, err := e.Parse(name, script)
	if err == nil {
		var prog *sieve.Program
		prog, err = e.reg.Compile(parsed, e.compileOptions())
		if err == nil {
			metrics.SieveCompilations.WithLabelValues("success").Inc()
			metrics.SieveCompileDuration.Observe(time.Since(start).Seconds())
			return prog, nil
		}
	}
	metrics.SieveCompilations.WithLabelValues("error").Inc()
	return nil, err
}

// Compile returns the program for script, looking through the memory, disk
// and shared tiers before compiling. Freshly compiled programs are written
// back to the lower tiers.
func (e *Engine) Compile(ctx context.Context, script string) (*Compiled, error) {
	if e.maxSize > 0 && int64(len(script)) > e.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", consts.ErrScriptTooLarge, len(script), e.maxSize)
	}
	hash := e.ProgramHash(script)
	prog, _, err := e.programs.GetOrLoad(hash, func() (*sieve.Program, error) {
		return e.load(ctx, hash, script)
	})
	if err != nil {
		return nil, err
	}
	return &Compiled{Hash: hash, Program: prog}, nil
}

func (e *Engine) load(ctx context.Context, hash, script string) (*sieve.Program, error) {
	if e.disk != nil {
		data, err := e.disk.Get(hash)
		if prog := e.decode("disk", hash, data, err); prog != nil {
			return prog, nil
		}
	}
	if e.shared != nil {
		data, err := e.shared.Get(ctx, hash)
		if prog := e.decode("s3", hash, data, err); prog != nil {
			e.storeDisk(hash, data)
			return prog, nil
		}
	}

	prog, err := e.compile("script", script)
	if err != nil {
		return nil, err
	}
	if e.disk == nil && e.shared == nil {
		return prog, nil
	}
	data, err := prog.MarshalBinary()
	if err != nil {
		logger.Warn("Sieve: cannot encode program", "hash", hash, "error", err)
		return prog, nil
	}
	e.storeDisk(hash, data)
	if e.shared != nil {
		if err := e.shared.Put(ctx, hash, data); err != nil {
			logger.Warn("Sieve: shared program upload failed", "hash", hash, "error", err)
		}
	}
	return prog, nil
}

// decode turns the result of a tier lookup into a program. Read failures
// and programs built by an incompatible registry count as misses.
func (e *Engine) decode(tier, hash string, data []byte, err error) *sieve.Program {
	if err != nil {
		if !errors.Is(err, consts.ErrCacheMiss) {
			logger.Warn("Sieve: program tier read failed", "tier", tier, "hash", hash, "error", err)
		}
		metrics.ProgramCacheRequests.WithLabelValues(tier, "miss").Inc()
		return nil
	}
	prog, err := sieve.LoadProgram(e.reg, data)
	if err != nil {
		logger.Warn("Sieve: discarding unusable stored program", "tier", tier, "hash", hash, "error", err)
		metrics.ProgramCacheRequests.WithLabelValues(tier, "miss").Inc()
		return nil
	}
	metrics.ProgramCacheRequests.WithLabelValues(tier, "hit").Inc()
	return prog
}

func (e *Engine) storeDisk(hash string, data []byte) {
	if e.disk == nil {
		return
	}
	if err := e.disk.Put(hash, data); err != nil {
		logger.Warn("Sieve: disk cache write failed", "hash", hash, "error", err)
	}
}

// Dump writes the disassembly of a program.
func (e *Engine) Dump(prog *sieve.Program, w io.Writer) error {
	return prog.Dump(e.reg, w)
}

// LoadProgram decodes a program produced by sieve.Program.MarshalBinary.
func (e *Engine) LoadProgram(data []byte) (*sieve.Program, error) {
	return sieve.LoadProgram(e.reg, data)
}

// NewExecutor compiles script for evaluations that share the engine's
// default vacation oracle under account 0.
func (e *Engine) NewExecutor(ctx context.Context, script string) (Executor, error) {
	return e.NewExecutorWithOracle(ctx, script, 0, nil)
}

// NewExecutorWithOracle compiles script for an account. A nil oracle uses
// the engine default.
func (e *Engine) NewExecutorWithOracle(ctx context.Context, script string, accountID int64, oracle VacationOracle) (Executor, error) {
	c, err := e.Compile(ctx, script)
	if err != nil {
		return nil, err
	}
	return e.ExecutorFor(c.Program, accountID, oracle), nil
}

// ExecutorFor wraps an already compiled program.
func (e *Engine) ExecutorFor(prog *sieve.Program, accountID int64, oracle VacationOracle) Executor {
	if oracle == nil {
		oracle = e.defaultOracle
	}
	return &SieveExecutor{
		engine:  e,
		program: prog,
		policy:  &SievePolicy{AccountID: accountID, vacationOracle: oracle},
	}
}
