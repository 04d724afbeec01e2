// Package regex provides the :regex match type. Keys are Go regular
// expressions; with the i;ascii-casemap comparator they match
// case-insensitively. Every other comparator is rejected.
package regex

import (
	"fmt"
	"regexp"

	"github.com/allgood/pigeonhole/sieve"
)

const Name = "regex"

// Extension registers the :regex match type.
type Extension struct {
	id int
}

// New returns the regex extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers the :regex match type.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterMatchType(matchType{}, e.id)
	return nil
}

// InterpreterLoad makes :regex available at run time.
func (e *Extension) InterpreterLoad(in *sieve.Interpreter) error {
	in.RegisterMatchType(matchType{})
	return nil
}

type matchType struct{}

func (matchType) Name() string { return Name }

// flagsFor returns the pattern prefix implementing a comparator.
func flagsFor(cmp sieve.Comparator) (string, error) {
	switch cmp.Name() {
	case sieve.ComparatorOctet:
		return "", nil
	case sieve.ComparatorASCIICasemap:
		return "(?i)", nil
	}
	return "", fmt.Errorf("regex match type only supports the %s and %s comparators, not %s",
		sieve.ComparatorOctet, sieve.ComparatorASCIICasemap, cmp.Name())
}

func compile(cmp sieve.Comparator, key string) (*regexp.Regexp, error) {
	flags, err := flagsFor(cmp)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(flags + key)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression '%s' for regex match: %v", key, err)
	}
	return re, nil
}

func (matchType) ValidateContext(_ *sieve.Validator, key *sieve.Argument, cmp sieve.Comparator) error {
	_, err := compile(cmp, key.Str)
	return err
}

func (matchType) Init(in *sieve.Interpreter, cmp sieve.Comparator, key string) (sieve.MatchContext, error) {
	cache := in.MatchCache()
	if re, ok := cache.Load(Name, cmp.Name(), key); ok {
		return re, nil
	}
	re, err := compile(cmp, key)
	if err != nil {
		return nil, err
	}
	return cache.Store(Name, cmp.Name(), key, re), nil
}

func (matchType) Match(value, _ string, ctx sieve.MatchContext) (bool, error) {
	re, ok := ctx.(*regexp.Regexp)
	if !ok {
		return false, fmt.Errorf("regex: unexpected match context %T", ctx)
	}
	return re.MatchString(value), nil
}

func (matchType) Deinit(sieve.MatchContext) {}
