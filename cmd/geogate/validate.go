package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/geogate/adapters/idgen"
	"github.com/artpar/geogate/adapters/sqlite"
	"github.com/artpar/geogate/bootstrap"
	"github.com/artpar/geogate/config"
)

var validateCheckDatabase bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the GeoGate configuration file.

Checks:
  - YAML syntax is valid
  - Resources carry at most one credential mode each
  - Rate limits are fully specified
  - Database is writable (optional)

Examples:
  geogate validate
  geogate validate --config /etc/geogate/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

const (
	checkMark = "✓"
	crossMark = "✗"
)

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	snap, err := bootstrap.BuildSnapshot(cfg)
	if err != nil {
		fmt.Printf("  %s Resources valid\n", crossMark)
		return fmt.Errorf("resource error: %w", err)
	}
	fmt.Printf("  %s Resources valid\n", checkMark)

	rows := bootstrap.MeterRows(snap, idgen.UUID{})

	fmt.Printf("  %s Listen prefixes: %v\n", checkMark, cfg.Proxy.ListenPrefixes)
	fmt.Printf("  %s Resources configured: %d\n", checkMark, len(snap.Resources))
	fmt.Printf("  %s Referrer allow-list entries: %d\n", checkMark, len(snap.Referrers))
	fmt.Printf("  %s Meter rows to preallocate: %d\n", checkMark, len(rows))
	fmt.Printf("  %s Must-match: %v\n", checkMark, snap.MustMatch)

	if validateCheckDatabase {
		if err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}
