// Package main provides the updatesctl command-line entry point: a
// thin operator tool for driving and inspecting an engine instance
// from outside the host app process (development and CI use).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomekzaw/expo-updates-engine/cmd/updatesctl/cmd"
)

func main() {
	root := cmd.NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
