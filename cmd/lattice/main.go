package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	outputFmt  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - cluster routing and instance mesh",
		Long:  "Run a lattice instance, inspect peers over the control protocol, and route invocations across the mesh",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")

	rootCmd.AddCommand(
		daemonCmd(),
		statusCmd(),
		invokeCmd(),
		idCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
