// Package variables expands ${name} and ${N} references in script strings
// at compile time. Names are resolved against the variables assigned by
// earlier set commands and then the compile options' VariableLookup;
// undefined references expand to the empty string and malformed ones are
// left as they are.
package variables

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/allgood/pigeonhole/sieve"
)

const Name = "variables"

// Extension overrides the variable-string argument kind and adds the set
// command.
type Extension struct {
	id int
}

// New returns the variables extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad installs the expanding string kind and the set command for
// one compilation.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.SetExtensionContext(e.id, newScope(v.Options().Variables))
	v.OverrideArgument(&variableString{ext: e}, e.id)
	v.RegisterCommand(setCommand(e), e.id)
	return nil
}

func (e *Extension) scope(v *sieve.Validator) *scope {
	sc, _ := v.ExtensionContext(e.id).(*scope)
	if sc == nil {
		sc = newScope(v.Options().Variables)
		v.SetExtensionContext(e.id, sc)
	}
	return sc
}

// scope holds the variables assigned with set. Lookups fall back to the
// configured variables.
type scope struct {
	local map[string]string
	base  sieve.VariableLookup
}

func newScope(base sieve.VariableLookup) *scope {
	return &scope{local: make(map[string]string), base: base}
}

func (s *scope) LookupVariable(name string) (string, bool) {
	if v, ok := s.local[strings.ToLower(name)]; ok {
		return v, true
	}
	if s.base == nil {
		return "", false
	}
	return s.base.LookupVariable(name)
}

func (s *scope) LookupMatch(index int) (string, bool) {
	if s.base == nil {
		return "", false
	}
	return s.base.LookupMatch(index)
}

func (s *scope) set(name, value string) {
	s.local[strings.ToLower(name)] = value
}

type variableString struct {
	ext *Extension
}

func (*variableString) Tag() string { return sieve.KindVariableString }

func (k *variableString) Validate(v *sieve.Validator, cmd *sieve.Command, arg *sieve.Argument) error {
	for tok := range Tokens(arg.Str) {
		if tok.Kind == Variable && tok.Namespace != "" {
			return fmt.Errorf("unknown variable namespace '%s' in %s", tok.Namespace, tok.Text)
		}
	}
	arg.Str = Expand(arg.Str, k.ext.scope(v))
	return v.ActivateSuper(cmd, arg)
}

// TokenKind classifies the pieces of a string.
type TokenKind int

const (
	Literal TokenKind = iota
	Variable
	MatchValue
)

// Token is a piece of a scanned string. Literal tokens carry their text;
// references carry the raw reference text plus the variable name or match
// index.
type Token struct {
	Kind  TokenKind
	Text  string
	Name  string
	Index int
	// Namespace is set for ${ns.name} references.
	Namespace string
}

type scanState int

const (
	stateNone scanState = iota
	stateOpen
	stateVariable
	stateClose
)

// Tokens splits s into literal text and variable references.
func Tokens(s string) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		litStart := 0
		i := 0
		for i < len(s) {
			if s[i] != '$' {
				i++
				continue
			}
			tok, end, ok := scanReference(s, i)
			if !ok {
				i++
				continue
			}
			if i > litStart && !yield(Token{Kind: Literal, Text: s[litStart:i]}) {
				return
			}
			if !yield(tok) {
				return
			}
			i = end
			litStart = end
		}
		if litStart < len(s) {
			yield(Token{Kind: Literal, Text: s[litStart:]})
		}
	}
}

// scanReference runs the reference state machine from the '$' at start.
// It reports the token and the index after the closing brace.
func scanReference(s string, start int) (Token, int, bool) {
	state := stateNone
	nameStart, nameEnd := 0, 0
	digits := true
	dot := -1
	for i := start; i < len(s) && state != stateClose; i++ {
		c := s[i]
		switch state {
		case stateNone:
			if c != '$' {
				return Token{}, 0, false
			}
			state = stateOpen
		case stateOpen:
			if c != '{' {
				return Token{}, 0, false
			}
			state = stateVariable
			nameStart = i + 1
		case stateVariable:
			switch {
			case c == '}':
				if i == nameStart {
					return Token{}, 0, false
				}
				nameEnd = i
				state = stateClose
			case c >= '0' && c <= '9':
				if s[i-1] == '.' {
					return Token{}, 0, false
				}
			case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
				// A reference starting with a digit is a match index.
				if digits && i > nameStart {
					return Token{}, 0, false
				}
				digits = false
			case c == '.':
				if digits || s[i-1] == '.' || i+1 < len(s) && s[i+1] == '}' {
					return Token{}, 0, false
				}
				dot = i
			default:
				return Token{}, 0, false
			}
		}
	}
	if state != stateClose {
		return Token{}, 0, false
	}

	name := s[nameStart:nameEnd]
	raw := s[start : nameEnd+1]
	if !digits {
		tok := Token{Kind: Variable, Text: raw, Name: name}
		if dot >= 0 {
			tok.Namespace = s[nameStart:dot]
			tok.Name = s[dot+1 : nameEnd]
		}
		return tok, nameEnd + 1, true
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return Token{}, 0, false
	}
	return Token{Kind: MatchValue, Text: raw, Index: n}, nameEnd + 1, true
}

// Expand substitutes every well-formed reference in s. A nil lookup makes
// every reference undefined.
func Expand(s string, lookup sieve.VariableLookup) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for tok := range Tokens(s) {
		switch tok.Kind {
		case Literal:
			sb.WriteString(tok.Text)
		case Variable:
			if tok.Namespace != "" {
				sb.WriteString(tok.Text)
				continue
			}
			if lookup != nil {
				if v, ok := lookup.LookupVariable(tok.Name); ok {
					sb.WriteString(v)
				}
			}
		case MatchValue:
			if lookup != nil {
				if v, ok := lookup.LookupMatch(tok.Index); ok {
					sb.WriteString(v)
				}
			}
		}
	}
	return sb.String()
}
