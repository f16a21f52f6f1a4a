// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/geogate/adapters/clock"
	geohttp "github.com/artpar/geogate/adapters/http"
	"github.com/artpar/geogate/adapters/idgen"
	"github.com/artpar/geogate/adapters/metrics"
	"github.com/artpar/geogate/adapters/sqlite"
	"github.com/artpar/geogate/app"
	"github.com/artpar/geogate/config"
)

// Version is reported by ping, status, and the version command.
const Version = "0.1.5"

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Holder     *config.Holder
	DB         *sqlite.DB
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	dispatcher *app.Dispatcher
	broker     *app.Broker
	meters     *sqlite.MeterStore
	upstream   *geohttp.UpstreamClient
	ids        idgen.UUID

	tlsCert string
	tlsKey  string
}

// Options controls application startup.
type Options struct {
	ConfigPath string
	// HotReload watches the config file and listens for SIGHUP.
	HotReload bool
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	holder, err := config.NewHolder(opts.ConfigPath, bootLogger)
	if err != nil {
		return nil, err
	}
	cfg := holder.Get()

	a := &App{
		Logger:  setupLogger(cfg.Logging),
		Holder:  holder,
		tlsCert: cfg.Server.TLSCert,
		tlsKey:  cfg.Server.TLSKey,
	}
	a.Logger.Info().Str("version", Version).Msg("initializing geogate")

	if err := a.initDatabase(cfg); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	if err := a.initPipeline(cfg); err != nil {
		a.DB.Close()
		return nil, err
	}
	a.initHTTPServer(cfg)

	if opts.HotReload {
		holder.OnChange(a.applyConfig)
		if err := holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		holder.WatchSignals()
	}

	return a, nil
}

func (a *App) initDatabase(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return err
	}
	a.DB = db
	a.meters = sqlite.NewMeterStore(db)
	return nil
}

func (a *App) initPipeline(cfg *config.Config) error {
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	if err := a.meters.Init(context.Background(), MeterRows(snap, a.ids)); err != nil {
		return fmt.Errorf("init meters: %w", err)
	}

	realClock := clock.Real{}
	a.upstream = geohttp.NewUpstreamClient(geohttp.UpstreamConfig{
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
		Metrics:         a.Metrics,
	})
	vendor := geohttp.NewTokenClient(cfg.Upstream.Timeout, realClock)
	a.broker = app.NewBroker(vendor, realClock, cfg.Upstream.Timeout)
	if a.Metrics != nil {
		a.broker.OnAcquire = func(flow, outcome string) {
			a.Metrics.TokenAcquisitions.WithLabelValues(flow, outcome).Inc()
		}
	}

	a.dispatcher = app.NewDispatcher(app.DispatcherDeps{
		Meters:   a.meters,
		Upstream: a.upstream,
		Broker:   a.broker,
		Clock:    realClock,
	}, snap)
	return nil
}

func (a *App) initHTTPServer(cfg *config.Config) {
	statusSvc := app.NewStatusService(a.dispatcher, a.meters, clock.Real{}, Version)

	ph := geohttp.NewProxyHandler(a.dispatcher, cfg.Proxy.ListenPrefixes, a.Logger, a.Metrics)
	ping := geohttp.NewPingHandler(a.dispatcher, Version)
	status := geohttp.NewStatusHandler(statusSvc, a.Logger)

	router := geohttp.NewRouter(ph, ping, status, a.Logger, geohttp.RouterConfig{
		ListenPrefixes: cfg.Proxy.ListenPrefixes,
		PingPath:       cfg.Proxy.PingPath,
		StatusPath:     cfg.Proxy.StatusPath,
		StaticDir:      cfg.Proxy.StaticDir,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// applyConfig swaps the routing snapshot after a config reload. In-flight
// rate windows are reset with the meter rows.
func (a *App) applyConfig(cfg *config.Config) {
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		a.Logger.Error().Err(err).Msg("reload rejected")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
		return
	}
	if err := a.meters.Init(context.Background(), MeterRows(snap, a.ids)); err != nil {
		a.Logger.Error().Err(err).Msg("meter reinit failed, keeping old snapshot")
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
		return
	}
	a.dispatcher.Reload(snap)

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}
	a.Logger.Info().
		Int("resources", len(snap.Resources)).
		Bool("must_match", snap.MustMatch).
		Msg("routing snapshot reloaded")
}

// Run starts the HTTP server and blocks until a signal or server error.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Bool("tls", a.tlsCert != "").
			Msg("starting http server")

		var err error
		if a.tlsCert != "" {
			err = a.HTTPServer.ListenAndServeTLS(a.tlsCert, a.tlsKey)
		} else {
			err = a.HTTPServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}
	if a.upstream != nil {
		a.upstream.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
