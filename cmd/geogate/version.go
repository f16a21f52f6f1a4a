package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/geogate/bootstrap"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("geogate %s\n", bootstrap.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
