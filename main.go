// The main package for the og-crawler executable.
package main

import (
	"github.com/JakeFAU/og-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
