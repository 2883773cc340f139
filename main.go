// The main package for the petpipeline executable.
package main

import (
	"github.com/JakeFAU/pet-image-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
