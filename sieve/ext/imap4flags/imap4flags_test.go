package imap4flags_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/sieve"
	"github.com/allgood/pigeonhole/sieve/ext/imap4flags"
	"github.com/allgood/pigeonhole/sieve/parser"
)

type message struct{}

func (message) HeaderValues(string) []string { return nil }
func (message) Size() int64                  { return 0 }

func runScript(t *testing.T, src string) *sieve.Result {
	t.Helper()
	reg := sieve.NewRegistry()
	_, err := reg.Register(imap4flags.New())
	require.NoError(t, err)
	script, err := parser.Parse("flags.sieve", `require "imap4flags"; `+src)
	require.NoError(t, err)
	prog, err := reg.Compile(script, sieve.CompileOptions{})
	require.NoError(t, err)
	in, err := sieve.NewInterpreter(reg, prog, message{})
	require.NoError(t, err)
	res, err := in.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`\seen`, `\Seen`, false},
		{`\FLAGGED`, `\Flagged`, false},
		{`$Junk`, `$Junk`, false},
		{`\Bogus`, "", true},
		{`bad(flag`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := imap4flags.Canonical(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSplitsAndDedupes(t *testing.T) {
	got, err := imap4flags.Parse([]string{`\Seen $Work`, `\SEEN`, "  $work  urgent"})
	require.NoError(t, err)
	assert.Equal(t, []string{`\Seen`, "$Work", "urgent"}, got)
}

func TestFlagCommands(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"setflag", `setflag "\\seen $work";`, []string{`\Seen`, "$work"}},
		{"addflag unions", `addflag "\\Seen"; addflag ["\\seen", "\\Flagged"];`, []string{`\Seen`, `\Flagged`}},
		{"setflag replaces", `addflag "a b"; setflag "c";`, []string{"c"}},
		{"removeflag", `setflag "a b c"; removeflag "B";`, []string{"a", "c"}},
		{"sanitized", `addflag "$NIL ok";`, []string{"ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runScript(t, tt.src)
			assert.Equal(t, tt.want, res.Flags)
		})
	}
}

func TestHasFlag(t *testing.T) {
	res := runScript(t, `addflag "\\Flagged $Work";
if hasflag "$work" { discard; }`)
	assert.Equal(t, sieve.DispositionDiscard, res.Disposition)

	res = runScript(t, `addflag "$Work";
if hasflag :comparator "i;octet" "$work" { discard; }`)
	assert.Equal(t, sieve.DispositionImplicitKeep, res.Disposition)

	res = runScript(t, `if hasflag :contains "x" { discard; }`)
	assert.Equal(t, sieve.DispositionImplicitKeep, res.Disposition)
}

func TestInvalidSystemFlagRejected(t *testing.T) {
	reg := sieve.NewRegistry()
	_, err := reg.Register(imap4flags.New())
	require.NoError(t, err)
	script, err := parser.Parse("flags.sieve", `require "imap4flags"; addflag "\\Recent";`)
	require.NoError(t, err)
	_, err = reg.Compile(script, sieve.CompileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown system flag "\\Recent"`)
}
