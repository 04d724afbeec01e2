package sieve

// Comparator normalizes values before a match type compares them.
type Comparator interface {
	Name() string
	Normalize(s string) string
}

const (
	ComparatorOctet         = "i;octet"
	ComparatorASCIICasemap  = "i;ascii-casemap"
	DefaultComparator       = ComparatorASCIICasemap
	comparatorExtensionName = "comparator-"
)

type octetComparator struct{}

func (octetComparator) Name() string              { return ComparatorOctet }
func (octetComparator) Normalize(s string) string { return s }

type asciiCasemapComparator struct{}

func (asciiCasemapComparator) Name() string { return ComparatorASCIICasemap }

func (asciiCasemapComparator) Normalize(s string) string {
	return ASCIILower(s)
}

// ASCIILower folds A-Z to a-z and leaves every other byte alone.
func ASCIILower(s string) string {
	i := 0
	for ; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			break
		}
	}
	if i == len(s) {
		return s
	}
	b := []byte(s)
	for ; i < len(b); i++ {
		if c := b[i]; c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func coreComparators() []Comparator {
	return []Comparator{octetComparator{}, asciiCasemapComparator{}}
}
