package retrier

import "errors"

// Temporary is implemented by errors that may clear on their own, such as a
// device running out of memory while cached payloads are still held.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether any error in err's chain says it is temporary.
// Run retries only these unless TempErrorFunc is set.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
