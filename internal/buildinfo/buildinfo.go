// Package buildinfo prints the version banner for a command, the way
// the teacher's main.go leans on github.com/perforce/p4prometheus/version
// for the same one-liner. That package is Perforce's own internal
// module-proxy-only dependency with no public API beyond this string
// formatter, and nothing in this domain talks to Perforce, so this
// replaces it with an equivalent local helper instead of dropping the
// concern outright.
package buildinfo

import "fmt"

// Version is overridden at link time with -ldflags "-X ...Version=...".
var Version = "dev"

// Print returns a one-line version banner for program.
func Print(program string) string {
	return fmt.Sprintf("%s, version %s", program, Version)
}
