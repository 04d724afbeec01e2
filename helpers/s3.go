package helpers

import "fmt"

// ProgramKey is the object key of a compiled program. The hash is fanned out
// over two directory levels to keep listings small.
func ProgramKey(hash string) string {
	if len(hash) < 4 {
		return "programs/" + hash
	}
	return fmt.Sprintf("programs/%s/%s/%s", hash[:2], hash[2:4], hash)
}
