// Package parser reads SIEVE script text (RFC 5228 section 8) into the
// syntax tree consumed by the sieve compiler. Tokenizing and parsing are
// done by go-sieve; this package converts its command tree into sieve
// nodes. Syntax errors are returned as a sieve.ErrorList holding the first
// error found.
package parser

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/foxcpp/go-sieve/lexer"
	"github.com/foxcpp/go-sieve/parser"

	"github.com/allgood/pigeonhole/sieve"
)

// Nesting limits for blocks and tests.
const (
	MaxBlockNesting = 32
	MaxTestNesting  = 32
)

// Parse parses a script. name is used in positions.
func Parse(name, src string) (*sieve.Script, error) {
	toks, err := lexer.Lex(strings.NewReader(src), &lexer.Options{Filename: name})
	if err != nil {
		return nil, syntaxError(name, src, err)
	}
	stream := lexer.NewStream(toks)
	cmds, err := parser.Parse(stream, &parser.Options{
		MaxBlockNesting: MaxBlockNesting,
		MaxTestNesting:  MaxTestNesting,
	})
	if err != nil {
		return nil, syntaxError(name, src, err)
	}
	// The parser stops quietly at a '}' with no open block.
	if last := stream.Last(); last != nil {
		line, col := last.LineCol()
		return nil, sieve.ErrorList{{
			Pos:     sieve.Position{File: name, Line: line, Col: col},
			Message: "unexpected '}' outside of a block",
		}}
	}
	return &sieve.Script{Name: name, Commands: commands(cmds)}, nil
}

// ParseReader reads r up to limit bytes (0 for no limit) and parses it.
func ParseReader(name string, r io.Reader, limit int64) (*sieve.Script, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, sieve.ErrorList{{Pos: sieve.Position{File: name}, Message: "script is too large"}}
	}
	return Parse(name, string(data))
}

func commands(cmds []parser.Cmd) []*sieve.Command {
	out := make([]*sieve.Command, 0, len(cmds))
	for _, c := range cmds {
		cmd := &sieve.Command{
			Pos:   position(c.Position),
			Name:  strings.ToLower(c.Id),
			Args:  arguments(c.Args),
			Tests: tests(c.Tests),
		}
		if c.Block != nil {
			cmd.Block = commands(c.Block)
		}
		out = append(out, cmd)
	}
	return out
}

func tests(ts []parser.Test) []*sieve.Command {
	if len(ts) == 0 {
		return nil
	}
	out := make([]*sieve.Command, 0, len(ts))
	for _, t := range ts {
		out = append(out, &sieve.Command{
			Pos:   position(t.Position),
			Name:  strings.ToLower(t.Id),
			Args:  arguments(t.Args),
			Tests: tests(t.Tests),
		})
	}
	return out
}

func arguments(args []parser.Arg) []*sieve.Argument {
	if len(args) == 0 {
		return nil
	}
	out := make([]*sieve.Argument, 0, len(args))
	for _, a := range args {
		switch a := a.(type) {
		case parser.StringArg:
			out = append(out, &sieve.Argument{Pos: position(a.Position), Type: sieve.ArgString, Str: a.Value})
		case parser.StringListArg:
			pos := position(a.Position)
			list := &sieve.Argument{Pos: pos, Type: sieve.ArgStringList, List: make([]*sieve.Argument, 0, len(a.Value))}
			for _, s := range a.Value {
				list.List = append(list.List, &sieve.Argument{Pos: pos, Type: sieve.ArgString, Str: s})
			}
			out = append(out, list)
		case parser.NumberArg:
			out = append(out, &sieve.Argument{Pos: position(a.Position), Type: sieve.ArgNumber, Num: int64(a.Value)})
		case parser.TagArg:
			out = append(out, &sieve.Argument{Pos: position(a.Position), Type: sieve.ArgTag, Str: strings.ToLower(a.Value)})
		}
	}
	return out
}

func position(p lexer.Position) sieve.Position {
	return sieve.Position{File: p.File, Line: p.Line, Col: p.Col}
}

// syntaxError turns a go-sieve error into a diagnostic. Positioned errors
// read "line:col: message"; the rest are reported at the end of input.
func syntaxError(name, src string, err error) sieve.ErrorList {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return sieve.ErrorList{{Pos: endOfInput(name, src), Message: "unexpected end of script"}}
	}
	msg := err.Error()
	if lineStr, rest, ok := strings.Cut(msg, ":"); ok {
		if colStr, text, ok := strings.Cut(rest, ": "); ok {
			line, lerr := strconv.Atoi(lineStr)
			col, cerr := strconv.Atoi(colStr)
			if lerr == nil && cerr == nil {
				return sieve.ErrorList{{Pos: sieve.Position{File: name, Line: line, Col: col}, Message: text}}
			}
		}
	}
	return sieve.ErrorList{{Pos: endOfInput(name, src), Message: msg}}
}

func endOfInput(name, src string) sieve.Position {
	line := strings.Count(src, "\n") + 1
	col := len(src) - strings.LastIndexByte(src, '\n')
	return sieve.Position{File: name, Line: line, Col: col}
}
