package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "geogate",
	Short: "Reverse proxy for geospatial services with credential injection and rate limiting",
	Long: `GeoGate sits between browser applications and geospatial services.

It keeps service credentials out of client code: requests name their
destination through the proxy, GeoGate validates the caller's referrer,
enforces per-resource rate limits, injects access tokens for configured
resources, and forwards the response.

Quick start:
  geogate serve     # Start the proxy server
  geogate validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "geogate.yaml", "config file path")
}
