// Package main is the entry point for the argus application.
package main

import (
	"os"

	"github.com/jmylchreest/argus/cmd/argus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
