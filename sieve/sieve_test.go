package sieve_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/sieve"
	"github.com/allgood/pigeonhole/sieve/parser"
)

type testMessage struct {
	headers map[string][]string
	size    int64
}

func (m testMessage) HeaderValues(name string) []string {
	return m.headers[strings.ToLower(name)]
}

func (m testMessage) Size() int64 { return m.size }

var saleMessage = testMessage{
	headers: map[string][]string{
		"subject": {"Big Sale today"},
		"from":    {"Alice <alice@Example.com>"},
		"to":      {"bob@example.org, carol@example.net"},
	},
	size: 2048,
}

func compile(t *testing.T, reg *sieve.Registry, src string) *sieve.Program {
	t.Helper()
	script, err := parser.Parse("test.sieve", src)
	require.NoError(t, err)
	prog, err := reg.Compile(script, sieve.CompileOptions{})
	require.NoError(t, err)
	return prog
}

func run(t *testing.T, reg *sieve.Registry, prog *sieve.Program, msg sieve.Message) *sieve.Result {
	t.Helper()
	in, err := sieve.NewInterpreter(reg, prog, msg)
	require.NoError(t, err)
	res, err := in.Run(context.Background())
	require.NoError(t, err)
	return res
}

func compileErrors(t *testing.T, reg *sieve.Registry, src string) sieve.ErrorList {
	t.Helper()
	script, err := parser.Parse("test.sieve", src)
	require.NoError(t, err)
	_, err = reg.Compile(script, sieve.CompileOptions{})
	require.Error(t, err)
	var list sieve.ErrorList
	require.True(t, errors.As(err, &list), "expected ErrorList, got %T: %v", err, err)
	return list
}

// countingMatch counts its lifecycle calls.
type countingMatch struct {
	inits, matches, deinits int
	fail                    bool
}

func (m *countingMatch) Name() string { return "counting" }

func (m *countingMatch) ValidateContext(*sieve.Validator, *sieve.Argument, sieve.Comparator) error {
	return nil
}

func (m *countingMatch) Init(_ *sieve.Interpreter, _ sieve.Comparator, key string) (sieve.MatchContext, error) {
	m.inits++
	return key, nil
}

func (m *countingMatch) Match(value, key string, _ sieve.MatchContext) (bool, error) {
	m.matches++
	if m.fail {
		return true, errors.New("boom")
	}
	return value == key, nil
}

func (m *countingMatch) Deinit(sieve.MatchContext) { m.deinits++ }

type countingExt struct {
	id     int
	mt     *countingMatch
	genErr error
}

func (e *countingExt) Name() string { return "x-counting" }

func (e *countingExt) Load(id int) error {
	e.id = id
	return nil
}

func (e *countingExt) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterMatchType(e.mt, e.id)
	return nil
}

func (e *countingExt) GeneratorLoad(*sieve.Generator) error { return e.genErr }

func (e *countingExt) InterpreterLoad(in *sieve.Interpreter) error {
	in.RegisterMatchType(e.mt)
	return nil
}

type namedExt struct {
	name    string
	loadErr error
}

func (e *namedExt) Name() string    { return e.name }
func (e *namedExt) Load(int) error { return e.loadErr }

type nopOpcodeExt struct{}

func (nopOpcodeExt) Name() string { return "x-nop" }

func (nopOpcodeExt) Opcodes() []sieve.Opcode {
	return []sieve.Opcode{&sieve.OpcodeSpec{
		Mnemonic: "NOP",
		ExecuteFunc: func(*sieve.Interpreter) (sieve.Status, error) {
			return sieve.StatusContinue, nil
		},
	}}
}

type nopOpcodeTwin struct{ nopOpcodeExt }

func (nopOpcodeTwin) Name() string { return "x-nop2" }

// upperKind overrides plain strings with their upper-case form.
type upperKind struct {
	calls *int
}

func (upperKind) Tag() string { return sieve.KindVariableString }

func (k upperKind) Validate(v *sieve.Validator, cmd *sieve.Command, arg *sieve.Argument) error {
	*k.calls++
	arg.Str = strings.ToUpper(arg.Str)
	return v.ActivateSuper(cmd, arg)
}

type upperExt struct {
	id    int
	calls int
}

func (e *upperExt) Name() string { return "x-upper" }

func (e *upperExt) Load(id int) error {
	e.id = id
	return nil
}

func (e *upperExt) ValidatorLoad(v *sieve.Validator) error {
	v.OverrideArgument(upperKind{calls: &e.calls}, e.id)
	return nil
}

func TestRegistryRegister(t *testing.T) {
	reg := sieve.NewRegistry()

	_, err := reg.Register(&namedExt{name: "broken", loadErr: errors.New("no")})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	id, err := reg.Register(&namedExt{name: "first"})
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id, err = reg.Register(&namedExt{name: "second"})
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = reg.Register(&namedExt{name: "first"})
	assert.ErrorIs(t, err, sieve.ErrDuplicateExtension)

	got, ok := reg.ID("second")
	assert.True(t, ok)
	assert.Equal(t, 1, got)
	ext, ok := reg.Lookup("first")
	require.True(t, ok)
	assert.Equal(t, "first", ext.Name())

	reg.Seal()
	_, err = reg.Register(&namedExt{name: "third"})
	assert.ErrorIs(t, err, sieve.ErrRegistrySealed)
	assert.Equal(t, []string{"first", "second"}, reg.Names())
}

func TestRegistryConcurrentReads(t *testing.T) {
	reg := sieve.NewRegistry()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range n {
			_, err := reg.Register(&namedExt{name: fmt.Sprintf("ext%d", i)})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for range n {
			names := reg.Names()
			assert.LessOrEqual(t, len(names), reg.Len())
			for i := range names {
				assert.NotNil(t, reg.Extension(i))
			}
			reg.Lookup("ext0")
		}
	}()
	wg.Wait()
	assert.Equal(t, n, reg.Len())
}

func TestRegistryOpcodeCollision(t *testing.T) {
	reg := sieve.NewRegistry()
	_, err := reg.Register(nopOpcodeExt{})
	require.NoError(t, err)

	_, err = reg.Register(nopOpcodeTwin{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
	assert.Equal(t, 1, reg.Len())
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		message string
		line    int
	}{
		{"unknown command", "keep;\nfoo;", "unknown command 'foo'", 2},
		{"unknown test", "if bar { keep; }", "unknown test 'bar'", 1},
		{"test as command", "true;", "'true' is a test and cannot be used as a command", 1},
		{"command as test", "if keep { }", "'keep' is a command and cannot be used as a test", 1},
		{"wrong positional count", `if header "a" { }`, "expects 2 positional argument(s), got 1", 1},
		{"exclusive tags", "if size :over :under 10 { }", "cannot be combined", 1},
		{"missing required tag", "if size 10 { }", "requires one of :over or :under", 1},
		{"two match types", `if header :is :contains "a" "b" { }`, "accepts only one match type", 1},
		{"tag after positional", `if header "a" :is "b" { }`, "must come before its positional arguments", 1},
		{"unknown comparator", `if header :comparator "i;nope" "a" "b" { }`, "unknown comparator 'i;nope'", 1},
		{"unknown tag", `if header :bogus "a" "b" { }`, "unknown tagged argument :bogus", 1},
		{"orphan elsif", "elsif true { }", "'elsif' must follow", 1},
		{"late require", "keep;\nrequire \"fileinto\";", "require commands can only be placed at top level", 2},
		{"unknown extension", `require "nope";`, "unknown extension 'nope'", 1},
		{"missing block", "if true;", "'if' requires a block", 1},
		{"unexpected block", "keep { }", "'keep' does not take a block", 1},
		{"bad redirect", `redirect "not an address";`, "invalid address", 1},
		{"bad header name", `if exists "bad name" { }`, "invalid header name", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := compileErrors(t, sieve.NewRegistry(), tt.src)
			require.NotEmpty(t, errs)
			assert.Contains(t, errs[0].Message, tt.message)
			assert.Equal(t, tt.line, errs[0].Pos.Line)
			assert.Equal(t, "test.sieve", errs[0].Pos.File)
		})
	}
}

func TestExecution(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want sieve.Disposition
	}{
		{"empty script", "", sieve.DispositionImplicitKeep},
		{"header contains", `if header :contains "subject" "SALE" { discard; }`, sieve.DispositionDiscard},
		{"octet comparator", `if header :is :comparator "i;octet" "Subject" "big sale today" { discard; }`, sieve.DispositionImplicitKeep},
		{"matches glob", `if header :matches "Subject" "Big*to?ay" { discard; }`, sieve.DispositionDiscard},
		{"address domain", `if address :domain "From" "example.com" { discard; }`, sieve.DispositionDiscard},
		{"address localpart in list", `if address :localpart "To" "carol" { discard; }`, sieve.DispositionDiscard},
		{"address all", `if address :all :is "To" "dave@example.org" { discard; }`, sieve.DispositionImplicitKeep},
		{"exists all", `if exists ["From", "Subject"] { discard; }`, sieve.DispositionDiscard},
		{"exists missing", `if exists ["From", "X-Missing"] { discard; }`, sieve.DispositionImplicitKeep},
		{"size over", "if size :over 1K { discard; }", sieve.DispositionDiscard},
		{"size under", "if size :under 1K { discard; }", sieve.DispositionImplicitKeep},
		{"allof", "if allof (true, false) { discard; }", sieve.DispositionImplicitKeep},
		{"anyof", "if anyof (false, true) { discard; }", sieve.DispositionDiscard},
		{"not allof", `if not allof (true, header :is "subject" "x") { discard; }`, sieve.DispositionDiscard},
		{"elsif chain", `if false { discard; } elsif header :contains "subject" "sale" { keep; } else { discard; }`, sieve.DispositionKeep},
		{"else branch", `if false { keep; } elsif false { keep; } else { discard; }`, sieve.DispositionDiscard},
		{"keep then discard", "keep; discard;", sieve.DispositionDiscard},
		{"discard then keep", "discard; keep;", sieve.DispositionKeep},
		{"stop", "discard; stop; keep;", sieve.DispositionDiscard},
		{"redirect cancels implicit keep", `redirect "x@example.com";`, sieve.DispositionActions},
		{"redirect with keep", `redirect "x@example.com"; keep;`, sieve.DispositionKeep},
	}
	reg := sieve.NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, reg, compile(t, reg, tt.src), saleMessage)
			assert.Equal(t, tt.want, res.Disposition)
		})
	}
}

func TestRedirectDeduplicated(t *testing.T) {
	reg := sieve.NewRegistry()
	res := run(t, reg, compile(t, reg, `redirect "x@example.com"; redirect "X@example.com"; redirect "y@example.com";`), saleMessage)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "x@example.com", res.Actions[0].(*sieve.RedirectAction).Address)
	assert.Equal(t, "y@example.com", res.Actions[1].(*sieve.RedirectAction).Address)
}

func TestGenerationDeterministic(t *testing.T) {
	src := `if anyof (header :contains "subject" "a", address :domain "from" "b") { discard; } elsif size :over 10 { keep; } else { redirect "c@d.e"; }`
	reg := sieve.NewRegistry()
	a := compile(t, reg, src)
	b := compile(t, reg, src)
	assert.Equal(t, a.Code(), b.Code())
	require.NoError(t, a.Verify(reg))
}

func TestJumpPolarityEquivalence(t *testing.T) {
	reg := sieve.NewRegistry()
	direct := compile(t, reg, `if header :contains "subject" "sale" { discard; }`)
	negated := compile(t, reg, `if not header :contains "subject" "sale" { } else { discard; }`)

	var d1, d2 bytes.Buffer
	require.NoError(t, direct.Dump(reg, &d1))
	require.NoError(t, negated.Dump(reg, &d2))
	assert.Contains(t, d1.String(), "JMPFALSE")
	assert.Contains(t, d2.String(), "JMPTRUE")

	other := testMessage{headers: map[string][]string{"subject": {"hello"}}}
	for _, msg := range []testMessage{saleMessage, other} {
		assert.Equal(t, run(t, reg, direct, msg).Disposition, run(t, reg, negated, msg).Disposition)
	}
}

func TestDump(t *testing.T) {
	reg := sieve.NewRegistry()
	prog := compile(t, reg, `if header :is "Subject" "x" { keep; }`)
	var buf bytes.Buffer
	require.NoError(t, prog.Dump(reg, &buf))
	out := buf.String()
	assert.Contains(t, out, "00000000: HEADER")
	assert.Contains(t, out, `comparator: "i;ascii-casemap"`)
	assert.Contains(t, out, `match-type: "is"`)
	assert.Contains(t, out, `headers: ["Subject"]`)
	assert.Contains(t, out, "JMPFALSE")
	assert.Contains(t, out, "KEEP")
}

func TestLoadProgram(t *testing.T) {
	reg := sieve.NewRegistry()
	prog := compile(t, reg, `if header :is "subject" "Big Sale today" { keep; }`)
	data, err := prog.MarshalBinary()
	require.NoError(t, err)

	loaded, err := sieve.LoadProgram(reg, data)
	require.NoError(t, err)
	assert.Equal(t, prog.Code(), loaded.Code())
	assert.Equal(t, sieve.DispositionKeep, run(t, reg, loaded, saleMessage).Disposition)

	corrupt := func(f func(b []byte) []byte) error {
		b := bytes.Clone(data)
		_, err := sieve.LoadProgram(reg, f(b))
		return err
	}
	// The stream ends in JMPFALSE <offset> KEEP.
	setOffset := func(off byte) func([]byte) []byte {
		return func(b []byte) []byte {
			n := len(b)
			b[n-5], b[n-4], b[n-3], b[n-2] = off, 0, 0, 0
			return b
		}
	}
	assert.ErrorIs(t, corrupt(setOffset(1)), sieve.ErrJumpOutOfRange)
	assert.ErrorIs(t, corrupt(setOffset(100)), sieve.ErrJumpOutOfRange)
	assert.ErrorIs(t, corrupt(func(b []byte) []byte {
		b[len(b)-1] = 0xff
		return b
	}), sieve.ErrUnknownOpcode)
	assert.ErrorIs(t, corrupt(func(b []byte) []byte { return b[:len(b)-3] }), sieve.ErrMalformedProgram)
	assert.ErrorIs(t, corrupt(func(b []byte) []byte { return []byte("nope") }), sieve.ErrMalformedProgram)

	other := sieve.NewRegistry()
	_, err = other.Register(nopOpcodeExt{})
	require.NoError(t, err)
	_, err = sieve.LoadProgram(other, data)
	assert.ErrorIs(t, err, sieve.ErrIncompatibleProgram)
}

func TestUnknownComparatorInStream(t *testing.T) {
	reg := sieve.NewRegistry()
	prog := compile(t, reg, `if header :contains "subject" "sale" { discard; stop; } keep;`)
	require.Equal(t, sieve.DispositionDiscard, run(t, reg, prog, saleMessage).Disposition)

	data, err := prog.MarshalBinary()
	require.NoError(t, err)
	old := []byte(sieve.ComparatorASCIICasemap)
	require.Equal(t, 1, bytes.Count(data, old))
	data = bytes.Replace(data, old, []byte("i;zzzzz-casemap"), 1)

	loaded, err := sieve.LoadProgram(reg, data)
	require.NoError(t, err)
	require.NoError(t, loaded.Verify(reg))
	res := run(t, reg, loaded, saleMessage)
	assert.Equal(t, sieve.DispositionKeep, res.Disposition)
}

func TestMatchLifecycle(t *testing.T) {
	for _, fail := range []bool{false, true} {
		mt := &countingMatch{fail: fail}
		reg := sieve.NewRegistry()
		_, err := reg.Register(&countingExt{mt: mt})
		require.NoError(t, err)

		prog := compile(t, reg, `require "x-counting"; if header :counting "Subject" "Big Sale today" { discard; }`)
		assert.Equal(t, []string{"x-counting"}, prog.Extensions())
		res := run(t, reg, prog, saleMessage)

		assert.Equal(t, 1, mt.inits)
		assert.Equal(t, 1, mt.matches)
		assert.Equal(t, 1, mt.deinits)
		if fail {
			assert.Equal(t, sieve.DispositionImplicitKeep, res.Disposition)
		} else {
			assert.Equal(t, sieve.DispositionDiscard, res.Disposition)
		}
	}
}

func TestExtensionRequired(t *testing.T) {
	reg := sieve.NewRegistry()
	_, err := reg.Register(&countingExt{mt: &countingMatch{}})
	require.NoError(t, err)

	errs := compileErrors(t, reg, `if header :counting "Subject" "x" { discard; }`)
	assert.Contains(t, errs[0].Message, "match type :counting requires extension 'x-counting'")

	script, err := parser.Parse("", `require "x-counting"; keep;`)
	require.NoError(t, err)
	_, err = reg.Compile(script, sieve.CompileOptions{EnabledExtensions: []string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown extension 'x-counting'")
}

func TestGeneratorHookFailure(t *testing.T) {
	reg := sieve.NewRegistry()
	_, err := reg.Register(&countingExt{mt: &countingMatch{}, genErr: errors.New("unsupported bytecode version")})
	require.NoError(t, err)

	script, err := parser.Parse("", `require "x-counting"; keep;`)
	require.NoError(t, err)
	_, err = reg.Compile(script, sieve.CompileOptions{})
	var genErr *sieve.GenerateError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "x-counting", genErr.Extension)

	compile(t, reg, "keep;")
}

func TestArgumentOverride(t *testing.T) {
	reg := sieve.NewRegistry()
	ext := &upperExt{}
	_, err := reg.Register(ext)
	require.NoError(t, err)

	res := run(t, reg, compile(t, reg, `redirect "a@b.example";`), saleMessage)
	assert.Equal(t, "a@b.example", res.Actions[0].(*sieve.RedirectAction).Address)
	assert.Equal(t, 0, ext.calls)

	res = run(t, reg, compile(t, reg, `require "x-upper"; redirect "a@b.example";`), saleMessage)
	assert.Equal(t, "A@B.EXAMPLE", res.Actions[0].(*sieve.RedirectAction).Address)
	assert.Equal(t, 1, ext.calls)
}

func TestRunCanceled(t *testing.T) {
	reg := sieve.NewRegistry()
	in, err := sieve.NewInterpreter(reg, compile(t, reg, "keep;"), saleMessage)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "", true},
		{"", "", true},
		{"", "a", false},
		{"a*c", "abc", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{`a\*c`, "a*c", true},
		{`a\*c`, "abc", false},
		{`\?`, "?", true},
		{`\?`, "x", false},
		{"*sale*", "big sale", true},
		{"?", "é", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "aXbY", false},
		{"*.example.com", "mail.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, sieve.GlobMatch(tt.pattern, tt.s))
		})
	}
}

func TestMatchCache(t *testing.T) {
	var nilCache *sieve.MatchCache
	_, ok := nilCache.Load("regex", "i;octet", "a")
	assert.False(t, ok)
	assert.Equal(t, 1, nilCache.Store("regex", "i;octet", "a", 1))

	c := &sieve.MatchCache{}
	assert.Equal(t, 1, c.Store("regex", "i;octet", "a", 1))
	assert.Equal(t, 1, c.Store("regex", "i;octet", "a", 2))
	v, ok := c.Load("regex", "i;octet", "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Load("regex", "i;ascii-casemap", "a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}
