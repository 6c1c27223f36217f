package task

import (
	"strings"

	"github.com/google/uuid"
)

// externalRefNamespace anchors deterministic IDs derived from caller
// references. Changing it would break the retry-collapse guarantee.
var externalRefNamespace = uuid.MustParse("7f3c1d02-9b74-4b2e-8d9a-5e1f0c6b2a41")

// AssignID returns the task identifier for a submission. When the caller
// supplies an external reference the ID is derived from it, so identical
// caller-side retries collapse to one identifier. Otherwise a fresh random
// identifier is minted. The result is a 36-char string safe for HTTP
// headers and storage primary keys.
func AssignID(externalRef string) string {
	ref := strings.TrimSpace(externalRef)
	if ref != "" {
		return uuid.NewSHA1(externalRefNamespace, []byte(ref)).String()
	}
	return uuid.NewString()
}

// ValidID reports whether s parses as a task identifier.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
