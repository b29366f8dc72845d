// Package uuid generates RFC 4122 version 4 identifiers.
//
// No UUID library appears anywhere in the example pack for this
// lineage, so session, message, and event identifiers are generated
// with a small wrapper around crypto/rand rather than a fabricated
// dependency.
package uuid

import (
	"crypto/rand"
	"fmt"
)

// New returns a random version-4 UUID string.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fall back to an all-zero UUID rather than panic.
		return "00000000-0000-4000-8000-000000000000"
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
