package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/sieve"
)

func TestParseStructure(t *testing.T) {
	src := `require ["fileinto", "envelope"];
# comment
if anyof (header :contains "Subject" "sale", not exists "X-Ok") {
	fileinto "Junk"; /* inline */
	stop;
} elsif size :over 100K {
	discard;
} else {
	keep;
}
`
	script, err := Parse("test.sieve", src)
	require.NoError(t, err)
	require.Len(t, script.Commands, 4)

	req := script.Commands[0]
	assert.Equal(t, "require", req.Name)
	require.Len(t, req.Args, 1)
	assert.Equal(t, []string{"fileinto", "envelope"}, req.Args[0].Strings())

	ifc := script.Commands[1]
	assert.Equal(t, "if", ifc.Name)
	assert.Equal(t, sieve.Position{File: "test.sieve", Line: 3, Col: 1}, ifc.Pos)
	require.Len(t, ifc.Tests, 1)
	anyof := ifc.Tests[0]
	assert.Equal(t, "anyof", anyof.Name)
	require.Len(t, anyof.Tests, 2)
	assert.Equal(t, "header", anyof.Tests[0].Name)
	assert.Equal(t, sieve.ArgTag, anyof.Tests[0].Args[0].Type)
	assert.Equal(t, "contains", anyof.Tests[0].Args[0].Str)
	assert.Equal(t, "not", anyof.Tests[1].Name)
	assert.Equal(t, "exists", anyof.Tests[1].Tests[0].Name)
	require.Len(t, ifc.Block, 2)

	elsif := script.Commands[2]
	assert.Equal(t, "elsif", elsif.Name)
	size := elsif.Tests[0]
	assert.Equal(t, int64(100*1024), size.Args[1].Num)

	assert.Equal(t, "else", script.Commands[3].Name)
	assert.Len(t, script.Commands[3].Block, 1)
}

func TestParseStrings(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"escapes", `keep "a\"b\\c\d";`, `a"b\cd`},
		{"multiline", "keep text:\r\nline one\r\n..dotted\r\n.\r\n;", "line one\r\n.dotted\r\n"},
		{"multiline with comment", "keep text: # note\nhello\n.\n;", "hello\r\n"},
		{"empty", `keep "";`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := Parse("", tt.src)
			require.NoError(t, err)
			require.Len(t, script.Commands[0].Args, 1)
			assert.Equal(t, tt.want, script.Commands[0].Args[0].Str)
		})
	}
}

func TestParseEmptyBlock(t *testing.T) {
	script, err := Parse("", `if true {}`)
	require.NoError(t, err)
	assert.NotNil(t, script.Commands[0].Block)
	assert.Empty(t, script.Commands[0].Block)

	script, err = Parse("", `keep;`)
	require.NoError(t, err)
	assert.Nil(t, script.Commands[0].Block)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		message string
		line    int
	}{
		{"missing semicolon", "keep\n", "expected semicolon", 1},
		{"unterminated string", `keep "abc`, "unexpected end of script", 1},
		{"unterminated comment", "/* never\nends", "unexpected end of script", 2},
		{"bad list", `header ["a" "b"] "c";`, "expected comma or closing brace", 1},
		{"unclosed block", "if true {\nkeep;\n", "expected a closing brace", 3},
		{"stray brace", "keep;\n}", "outside of a block", 2},
		{"bad tag", "keep : ;", "expected identifier", 1},
		{"bad character", "keep @;", "unexpected character", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("x.sieve", tt.src)
			require.Error(t, err)
			var list sieve.ErrorList
			require.True(t, errors.As(err, &list))
			require.Len(t, list, 1)
			assert.Contains(t, list[0].Message, tt.message)
			assert.Equal(t, tt.line, list[0].Pos.Line)
			assert.Equal(t, "x.sieve", list[0].Pos.File)
		})
	}
}

func TestParseListMemberPositions(t *testing.T) {
	script, err := Parse("p.sieve", "if header :IS [\"a\",\n \"b\"] \"c\" { keep; }")
	require.NoError(t, err)
	hdr := script.Commands[0].Tests[0]
	assert.Equal(t, "is", hdr.Args[0].Str)
	list := hdr.Args[1]
	require.Len(t, list.List, 2)
	for _, m := range list.List {
		assert.Equal(t, list.Pos, m.Pos)
	}
	assert.Equal(t, sieve.Position{File: "p.sieve", Line: 1, Col: 15}, list.Pos)
}

func TestParseNestingLimit(t *testing.T) {
	src := strings.Repeat("if true {", MaxBlockNesting+1) + strings.Repeat("}", MaxBlockNesting+1)
	_, err := Parse("", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting limit exceeded")

	src = "if " + strings.Repeat("not ", MaxTestNesting+1) + "true {}"
	_, err = Parse("", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting limit exceeded")
}

func TestParseReaderLimit(t *testing.T) {
	_, err := ParseReader("big", strings.NewReader(strings.Repeat("keep;", 100)), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	script, err := ParseReader("ok", strings.NewReader("keep;"), 10)
	require.NoError(t, err)
	assert.Len(t, script.Commands, 1)
}
