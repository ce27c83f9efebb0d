package main

import "fmt"

const (
	appMajor = 1
	appMinor = 0
	appPatch = 0
)

// version returns the dotted version string reported to the pool server
// via SetVersion and printed by --version.
func version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}
