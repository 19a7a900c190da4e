package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "service",
	Short:         "Serve weather snapshots from the cached forecast bulletin",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serveAction,
}

func init() {
	rootCmd.AddCommand(serveCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
