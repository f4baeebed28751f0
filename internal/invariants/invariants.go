// Package invariants reports violations of internal contracts.
//
// Builds without the "release" tag treat a violation as fatal and panic at
// the call site. Release builds make Violation a no-op; callers must leave
// their state untouched after reporting one.
package invariants

// Violation reports a broken contract. err should wrap a sentinel error so
// tests can match it with errors.Is.
func Violation(err error) {
	if Enabled {
		panic(err)
	}
}
