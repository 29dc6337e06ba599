// Package main is the entry point for the capdissect capture toolkit.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/capdissect/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
