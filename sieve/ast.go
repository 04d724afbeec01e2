package sieve

import (
	"fmt"
	"strconv"
)

// Position is a location in a script.
type Position struct {
	File string
	Line int
	Col  int
}

func (p Position) String() string {
	switch {
	case p.Line == 0 && p.File == "":
		return "-"
	case p.Line == 0:
		return p.File
	case p.File == "":
		return fmt.Sprintf("%d:%d", p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// ArgType is the syntactic class of an argument.
type ArgType int

const (
	ArgString ArgType = iota + 1
	ArgStringList
	ArgNumber
	ArgTag
)

func (t ArgType) String() string {
	switch t {
	case ArgString:
		return "string"
	case ArgStringList:
		return "string list"
	case ArgNumber:
		return "number"
	case ArgTag:
		return "tag"
	}
	return "ArgType(" + strconv.Itoa(int(t)) + ")"
}

// Argument kinds assigned to argument nodes during validation.
const (
	KindVariableString = "variable-string"
	KindStringList     = "string-list"
	KindNumber         = "number"
	KindTag            = "tag"
)

// Argument is an argument node. String lists own their members as string
// Argument nodes so every member can carry its own kind and position.
type Argument struct {
	Pos  Position
	Type ArgType
	Str  string // string value, or tag name without the leading colon
	Num  int64
	List []*Argument

	// Kind selects the ArgumentKind that validates this node. The validator
	// fills in the default for the node's type when the parser left it empty.
	Kind string

	level     int
	validated bool
}

// NewString returns a string argument.
func NewString(s string) *Argument {
	return &Argument{Type: ArgString, Str: s}
}

// NewStringList returns a string list argument.
func NewStringList(ss ...string) *Argument {
	a := &Argument{Type: ArgStringList, List: make([]*Argument, 0, len(ss))}
	for _, s := range ss {
		a.List = append(a.List, NewString(s))
	}
	return a
}

// NewNumber returns a number argument.
func NewNumber(n int64) *Argument {
	return &Argument{Type: ArgNumber, Num: n}
}

// NewTag returns a tag argument; name is given without the colon.
func NewTag(name string) *Argument {
	return &Argument{Type: ArgTag, Str: name}
}

// Strings returns the value of a string or string list argument.
func (a *Argument) Strings() []string {
	switch a.Type {
	case ArgString:
		return []string{a.Str}
	case ArgStringList:
		out := make([]string, len(a.List))
		for i, m := range a.List {
			out[i] = m.Str
		}
		return out
	}
	return nil
}

// Members returns the string nodes of a string or string list argument.
func (a *Argument) Members() []*Argument {
	switch a.Type {
	case ArgString:
		return []*Argument{a}
	case ArgStringList:
		return a.List
	}
	return nil
}

func (a *Argument) String() string {
	switch a.Type {
	case ArgString:
		return strconv.Quote(a.Str)
	case ArgStringList:
		return fmt.Sprintf("%q", a.Strings())
	case ArgNumber:
		return strconv.FormatInt(a.Num, 10)
	case ArgTag:
		return ":" + a.Str
	}
	return "?"
}

// Command is a command or test node. Tests use the same node type: for a
// test, Tests holds the nested test list of not/allof/anyof and Block is
// always nil.
type Command struct {
	Pos   Position
	Name  string
	Args  []*Argument
	Tests []*Command
	// Block is nil when the command has no block and non-nil (possibly
	// empty) when it has one.
	Block []*Command

	ctx *CommandContext
}

// Test is a Command in test position.
type Test = Command

// Context returns the validation result for the node, nil before validation.
func (c *Command) Context() *CommandContext {
	return c.ctx
}

// Script is the root of a parsed script.
type Script struct {
	Name     string
	Commands []*Command
}
