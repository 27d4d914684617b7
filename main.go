// The main package for the edarchive executable.
package main

import "github.com/JakeFAU/edarchive/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
