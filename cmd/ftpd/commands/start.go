package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/goftpd/goftpd/examples/jsonfileauth"
	"github.com/goftpd/goftpd/examples/memstorage"
	"github.com/goftpd/goftpd/examples/restauth"
	"github.com/goftpd/goftpd/internal/config"
	"github.com/goftpd/goftpd/internal/failedlogins"
	"github.com/goftpd/goftpd/internal/logging"
	internalmetrics "github.com/goftpd/goftpd/internal/metrics"
	"github.com/goftpd/goftpd/internal/telemetry"
	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/server"
	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the FTP server in the foreground",
	Long: `Start the FTP server using the configuration at --config (or
./ftpd.yaml). Runs in the foreground; send SIGINT/SIGTERM for a graceful
shutdown that waits for in-flight transfers to finish.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "ftpd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	authn, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	backend, err := buildStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage backend: %w", err)
	}

	fl, err := failedlogins.New(failedlogins.Config{
		Threshold:   cfg.FailedLogins.Threshold,
		Window:      cfg.FailedLogins.Window,
		LockoutTime: cfg.FailedLogins.LockoutTime,
	})
	if err != nil {
		return fmt.Errorf("init failed-login cache: %w", err)
	}
	defer fl.Close()

	var sink metrics.Sink = metrics.Nop{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		sink = internalmetrics.New(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsSrv.Close()
		}()
		logger.Info("metrics enabled", "addr", metricsAddr)
	}

	srvCfg, err := buildServerConfig(cfg, logger, authn, backend, fl, sink)
	if err != nil {
		return fmt.Errorf("build server config: %w", err)
	}

	srv := server.New(srvCfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	logger.Info("ftpd started", "addr", cfg.Server.Addr)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		return <-serveErr
	case err := <-serveErr:
		return err
	}
}

func buildAuthenticator(cfg config.AuthConfig) (*auth.Pipeline, error) {
	switch cfg.Driver {
	case "jsonfile":
		authn := jsonfileauth.New(cfg.JSONFile.Path)
		return auth.NewPipeline(authn, authn), nil
	case "rest":
		authn, err := restauth.New(restauth.Config{Secret: cfg.REST.Signing})
		if err != nil {
			return nil, err
		}
		return auth.NewPipeline(authn, authn), nil
	default:
		return nil, fmt.Errorf("unknown auth driver %q", cfg.Driver)
	}
}

func buildStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return memstorage.New(afero.NewMemMapFs()), nil
	case "afero":
		root := cfg.Root
		if root == "" {
			root = "."
		}
		return memstorage.New(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func buildServerConfig(
	cfg *config.Config,
	logger *slog.Logger,
	authn *auth.Pipeline,
	backend storage.Backend,
	fl *failedlogins.Cache,
	sink metrics.Sink,
) (server.Config, error) {
	mode, err := cfg.Server.ConnectionMode()
	if err != nil {
		return server.Config{}, err
	}
	apm, err := cfg.Server.ActivePassiveModeValue()
	if err != nil {
		return server.Config{}, err
	}
	md5Policy, err := cfg.Server.SiteMD5Policy()
	if err != nil {
		return server.Config{}, err
	}
	ftpsData, err := cfg.TLS.FTPSRequirement()
	if err != nil {
		return server.Config{}, err
	}

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return server.Config{}, fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var passiveHost commands.PassiveHostFunc
	if cfg.Passive.AdvertiseHost != "" {
		ip := net.ParseIP(cfg.Passive.AdvertiseHost)
		if ip == nil {
			return server.Config{}, fmt.Errorf("invalid passive.advertise_host %q", cfg.Passive.AdvertiseHost)
		}
		passiveHost = commands.FixedHost(ip)
	}

	return server.Config{
		Addr:                cfg.Server.Addr,
		Greeting:            cfg.Server.Greeting,
		Auth:                authn,
		Storage:             backend,
		TLSConfig:           tlsConfig,
		FTPSRequiredControl: cfg.TLS.RequireControl,
		FTPSRequiredData:    ftpsData,
		Mode:                mode,
		ActivePassiveMode:   apm,
		PassivePortLow:      cfg.Passive.PortLow,
		PassivePortHigh:     cfg.Passive.PortHigh,
		PASVRetries:         cfg.Passive.Retries,
		PassiveHost:         passiveHost,
		SiteMD5:             md5Policy,
		DialTimeout:         cfg.Server.DialTimeout,
		IdleTimeout:         cfg.Server.IdleTimeout,
		LineMode:            cfg.Server.LineMode(),
		UseProxyProtocol:    cfg.Server.UseProxyProtocol,
		ExternalControlPort: cfg.Server.ExternalControlPort,
		FailedLogins:        fl,
		Logger:              logger,
		Metrics:             sink,
	}, nil
}
