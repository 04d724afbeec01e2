// Package unicodecasemap provides the i;unicode-casemap comparator
// (RFC 5051): values are case folded and then put in NFKD form.
package unicodecasemap

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/allgood/pigeonhole/sieve"
)

const (
	ComparatorName = "i;unicode-casemap"
	Name           = "comparator-" + ComparatorName
)

// Extension registers the i;unicode-casemap comparator.
type Extension struct {
	id int
}

// New returns the comparator extension.
func New() *Extension {
	return &Extension{id: -1}
}

func (e *Extension) Name() string { return Name }

// Load records the extension id.
func (e *Extension) Load(id int) error {
	e.id = id
	return nil
}

// ValidatorLoad registers the comparator for validation.
func (e *Extension) ValidatorLoad(v *sieve.Validator) error {
	v.RegisterComparator(Comparator{}, e.id)
	return nil
}

func (e *Extension) InterpreterLoad(in *sieve.Interpreter) error {
	in.RegisterComparator(Comparator{})
	return nil
}

// Comparator implements i;unicode-casemap.
type Comparator struct{}

func (Comparator) Name() string { return ComparatorName }

var folder = cases.Fold()

func (Comparator) Normalize(s string) string {
	return norm.NFKD.String(folder.String(s))
}
