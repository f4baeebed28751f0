//go:build release

package invariants

// Enabled is true when contract violations panic.
const Enabled = false
