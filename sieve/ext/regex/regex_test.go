package regex_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/sieve"
	"github.com/allgood/pigeonhole/sieve/ext/regex"
	"github.com/allgood/pigeonhole/sieve/ext/unicodecasemap"
	"github.com/allgood/pigeonhole/sieve/parser"
)

type message map[string][]string

func (m message) HeaderValues(name string) []string { return m[strings.ToLower(name)] }
func (m message) Size() int64                       { return 0 }

func newRegistry(t *testing.T) *sieve.Registry {
	t.Helper()
	reg := sieve.NewRegistry()
	_, err := reg.Register(regex.New())
	require.NoError(t, err)
	_, err = reg.Register(unicodecasemap.New())
	require.NoError(t, err)
	return reg
}

func compile(reg *sieve.Registry, src string) (*sieve.Program, error) {
	script, err := parser.Parse("regex.sieve", src)
	if err != nil {
		return nil, err
	}
	return reg.Compile(script, sieve.CompileOptions{})
}

func TestRegexMatch(t *testing.T) {
	msg := message{"subject": {"Invoice #4711 overdue"}}
	tests := []struct {
		name string
		src  string
		want sieve.Disposition
	}{
		{"casemap matches any case", `if header :regex "subject" "^invoice #[0-9]+" { discard; }`, sieve.DispositionDiscard},
		{"octet is case sensitive", `if header :regex :comparator "i;octet" "subject" "^invoice" { discard; }`, sieve.DispositionImplicitKeep},
		{"octet exact case", `if header :regex :comparator "i;octet" "subject" "^Invoice" { discard; }`, sieve.DispositionDiscard},
		{"no match", `if header :regex "subject" "receipt" { discard; }`, sieve.DispositionImplicitKeep},
		{"any key", `if header :regex "subject" ["nothing", "overdue$"] { discard; }`, sieve.DispositionDiscard},
	}
	reg := newRegistry(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := compile(reg, `require "regex"; `+tt.src)
			require.NoError(t, err)
			in, err := sieve.NewInterpreter(reg, prog, msg)
			require.NoError(t, err)
			res, err := in.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Disposition)
		})
	}
}

func TestRegexValidation(t *testing.T) {
	reg := newRegistry(t)

	_, err := compile(reg, `require "regex"; if header :regex "subject" "(unclosed" { keep; }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid regular expression '(unclosed'")
	assert.Contains(t, err.Error(), "regex.sieve:1:")

	_, err = compile(reg, `require ["regex", "comparator-i;unicode-casemap"];
if header :regex :comparator "i;unicode-casemap" "subject" "x" { keep; }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only supports the i;octet and i;ascii-casemap comparators")

	_, err = compile(reg, `if header :regex "subject" "x" { keep; }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires extension 'regex'")
}

func TestRegexCompiledOncePerProgram(t *testing.T) {
	reg := newRegistry(t)
	prog, err := compile(reg, `require "regex"; if header :regex "subject" "^a.c$" { discard; }`)
	require.NoError(t, err)

	for _, subject := range []string{"abc", "xyz", "AXC"} {
		in, err := sieve.NewInterpreter(reg, prog, message{"subject": {subject}})
		require.NoError(t, err)
		_, err = in.Run(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, prog.MatchCache().Len())
}
