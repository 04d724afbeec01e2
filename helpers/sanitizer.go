package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 drops invalid UTF-8 bytes and NUL characters so the string
// can be stored in a PostgreSQL text column.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r == 0 || (r == utf8.RuneError && size == 1) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeFlags removes flags that IMAP clients reject when the message is
// later fetched: empty or blank keywords and anything spelling NIL or NULL.
// The input order is kept.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}
	out := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		s := strings.ToUpper(string(f))
		if strings.TrimSpace(s) == "" || strings.Contains(s, "NIL") || strings.Contains(s, "NULL") {
			continue
		}
		out = append(out, f)
	}
	return out
}
