package variables

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/allgood/pigeonhole/sieve"
)

// Modifiers in the order they are applied (RFC 5229 section 4.1).
var modifierOrder = []string{"lower", "upper", "lowerfirst", "upperfirst", "quotewildcard", "length"}

var (
	lowerCaser = cases.Lower(language.Und)
	upperCaser = cases.Upper(language.Und)
)

func setCommand(e *Extension) *sieve.CommandSpec {
	return &sieve.CommandSpec{
		Ident: "set",
		Type:  sieve.NodeCommand,
		Sig: sieve.Signature{
			Positional: []sieve.ArgType{sieve.ArgString, sieve.ArgString},
			Tags: map[string]sieve.TagSpec{
				"lower":         {Group: "case"},
				"upper":         {Group: "case"},
				"lowerfirst":    {Group: "first"},
				"upperfirst":    {Group: "first"},
				"quotewildcard": {},
				"length":        {},
			},
		},
		ValidateFunc: func(v *sieve.Validator, c *sieve.CommandContext) error {
			return e.validateSet(v, c)
		},
		// Assignments happen during validation; nothing is left to run.
		GenerateFunc: func(*sieve.Generator, *sieve.CommandContext) error { return nil },
	}
}

func (e *Extension) validateSet(v *sieve.Validator, c *sieve.CommandContext) error {
	if v.Depth() > 0 {
		return errors.New("set is only supported at the top level of a script")
	}
	name := c.Positional[0].Str
	if !validName(name) {
		return fmt.Errorf("invalid variable name '%s'", name)
	}
	value := c.Positional[1].Str
	for _, m := range modifierOrder {
		if c.HasTag(m) {
			value = applyModifier(m, value)
		}
	}
	e.scope(v).set(name, value)
	return nil
}

func applyModifier(m, s string) string {
	switch m {
	case "lower":
		return lowerCaser.String(s)
	case "upper":
		return upperCaser.String(s)
	case "lowerfirst", "upperfirst":
		r, n := utf8.DecodeRuneInString(s)
		if n == 0 {
			return s
		}
		first := string(r)
		if m == "lowerfirst" {
			return lowerCaser.String(first) + s[n:]
		}
		return upperCaser.String(first) + s[n:]
	case "quotewildcard":
		var sb strings.Builder
		for _, r := range s {
			if r == '*' || r == '?' || r == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		}
		return sb.String()
	case "length":
		return strconv.Itoa(utf8.RuneCountInString(s))
	}
	return s
}

func validName(name string) bool {
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '_' && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
