package guid

import (
	"crypto/rand"
	"fmt"
)

// New returns a random 128-bit identifier in canonical hex-grouped
// form. Used for job IDs and store audit records.
func New() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
