package main

import (
	"github.com/spf13/cobra"

	"github.com/artpar/geogate/bootstrap"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the GeoGate proxy server.

The server will:
  - Load configuration from geogate.yaml (or --config)
  - Apply GEOGATE_* environment variable overrides
  - Open the meter database and preallocate admission rows
  - Listen for proxied requests on the configured prefixes

Examples:
  geogate serve
  geogate serve --config /etc/geogate/config.yaml
  geogate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		HotReload:  hotReload,
	})
	if err != nil {
		return err
	}
	return app.Run()
}
