package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "braid",
		Short: "Braid - Lease-based task scheduler for agent fleets",
		Long: `Braid coordinates autonomous workers over a shared task queue.
Tasks are handed out under expiring leases, braided fairly across lanes,
and routed through a review pipeline before completion.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
