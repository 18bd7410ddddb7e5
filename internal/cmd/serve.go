package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/oceangrid/internal/config"
	"github.com/3leaps/oceangrid/internal/observability"
	"github.com/3leaps/oceangrid/internal/server"
	"github.com/3leaps/oceangrid/internal/server/handlers"
	"github.com/3leaps/oceangrid/pkg/catalog"
	"github.com/3leaps/oceangrid/pkg/jobstate"
	"github.com/3leaps/oceangrid/pkg/runregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and run status over HTTP",
	Long: `Start the HTTP status server.

Routes:
  /health, /health/live, /health/ready, /health/startup
  /version
  /metrics               Prometheus exposition
  /runs, /runs/{run_id}  run records (when a data root is configured)`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type pingHealthChecker struct{ p pinger }

func (c pingHealthChecker) CheckHealth(ctx context.Context) error { return c.p.Ping(ctx) }

// registerHealthChecks registers the process checkers plus the job-state
// store and catalog the configuration points at. The returned func
// closes what was opened.
func registerHealthChecks(ctx context.Context, hm *handlers.HealthManager, cfg *config.Config) (func(), error) {
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if js := cfg.JobState(cfg.DataRoot); js.Path != "" || js.URL != "" {
		store, err := jobstate.Open(ctx, js)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open job state", err)
		}
		closers = append(closers, store.Close)
		hm.RegisterChecker("jobstate", pingHealthChecker{store})
	}
	if cfg.Catalog.DSN != "" {
		cat, err := catalog.Open(ctx, catalog.DefaultConfig(cfg.Catalog.DSN))
		if err != nil {
			closeAll()
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot open catalog", err)
		}
		closers = append(closers, cat.Close)
		hm.RegisterChecker("catalog", pingHealthChecker{cat})
	}
	return closeAll, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	host := firstNonEmpty(serveHost, cfg.Server.Host)
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	metrics := observability.InitTelemetry()
	hm := handlers.InitHealthManager(versionInfo.Version)
	closeChecks, err := registerHealthChecks(ctx, hm, cfg)
	if err != nil {
		return err
	}
	defer closeChecks()

	opts := []server.Option{
		server.WithMetrics(metrics.Handler()),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	}
	if cfg.DataRoot != "" || cfg.RunsDir != "" {
		dir, err := runsDir(cfg, "")
		if err != nil {
			return err
		}
		opts = append(opts, server.WithRunStore(runregistry.NewStore(dir)))
	}

	srv := server.New(host, port, opts...)
	observability.CLILogger.Debug("Health checks registered", zap.String("version", versionInfo.Version))
	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("Server on %s failed", srv.Addr()), err)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}
