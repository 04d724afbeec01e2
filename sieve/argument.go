package sieve

import "fmt"

// ArgumentKind validates (and may rewrite) argument nodes carrying its tag.
// Extensions override a kind to change how every argument of that kind is
// treated, for instance to expand variable references in strings.
type ArgumentKind interface {
	Tag() string
	Validate(v *Validator, cmd *Command, arg *Argument) error
}

type argEntry struct {
	kind ArgumentKind
	ext  int
}

type plainStringKind struct{}

func (plainStringKind) Tag() string { return KindVariableString }

func (plainStringKind) Validate(*Validator, *Command, *Argument) error { return nil }

type stringListKind struct{}

func (stringListKind) Tag() string { return KindStringList }

// Validate runs the members' own kinds.
func (stringListKind) Validate(v *Validator, cmd *Command, arg *Argument) error {
	for _, m := range arg.List {
		if err := v.validateArgument(cmd, m); err != nil {
			return err
		}
	}
	return nil
}

type numberKind struct{}

func (numberKind) Tag() string { return KindNumber }

func (numberKind) Validate(_ *Validator, _ *Command, arg *Argument) error {
	if arg.Num < 0 {
		return fmt.Errorf("number %d out of range", arg.Num)
	}
	return nil
}

type tagKind struct{}

func (tagKind) Tag() string { return KindTag }

func (tagKind) Validate(*Validator, *Command, *Argument) error { return nil }

func coreArgumentKinds() []ArgumentKind {
	return []ArgumentKind{plainStringKind{}, stringListKind{}, numberKind{}, tagKind{}}
}

func defaultKind(t ArgType) string {
	switch t {
	case ArgString:
		return KindVariableString
	case ArgStringList:
		return KindStringList
	case ArgNumber:
		return KindNumber
	}
	return KindTag
}
