package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/signing-broker/internal/broker"
	"github.com/signing-broker/internal/config"
	brokerhttp "github.com/signing-broker/internal/http"
	"github.com/signing-broker/internal/http/middleware"
	"github.com/signing-broker/internal/loggingutil"
	"github.com/signing-broker/internal/metrics"
	"github.com/signing-broker/internal/validation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "signing-broker",
		Short:         "Pair transaction publishers with long-polling subscribers by public key",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path := strings.TrimSpace(v.GetString("config")); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file %q: %w", path, err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := loggingutil.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			return run(cmd.Context(), cfg, logger.With("app", "signing-broker"))
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.StringP(config.KeyPort, "p", "8888", "HTTP listen port")
	flags.String(config.KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
	flags.String(config.KeyLogFormat, "structured", "log format (structured or console)")
	flags.Duration(config.KeySubscribeTimeout, 0, "maximum time a subscriber may wait, 0 waits until disconnect")
	flags.String(config.KeyOnConflict, config.ConflictReplace, "second subscribe on a waiting key: replace or reject")
	flags.Float64(config.KeyRateLimitRPS, 0, "per-client requests per second for publish/subscribe, 0 disables")
	flags.Int(config.KeyRateLimitBurst, 10, "per-client burst size")
	flags.String(config.KeyMaintenanceFlag, "", "file whose presence switches the server to maintenance mode")
	flags.Bool(config.KeyMetrics, true, "serve Prometheus metrics on /metrics")
	flags.Duration(config.KeyShutdownTimeout, 10*time.Second, "graceful shutdown timeout")
	flags.StringSlice(config.KeyTrustedProxies, nil, "proxy IPs or CIDRs allowed to set X-Forwarded-For, none by default")
	bindFlags(v, flags)
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	config.SetDefaults(v)
	flags.VisitAll(func(flag *pflag.Flag) {
		_ = v.BindPFlag(flag.Name, flag)
	})
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(config.KeyPort, "BROKER_PORT", "PORT")
}

func run(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	brokerOpts := []broker.Option{broker.WithLogger(logger)}
	deps := brokerhttp.RouterDeps{Logger: logger, TrustedProxies: cfg.TrustedProxies}

	if cfg.Metrics {
		collector := metrics.New()
		brokerOpts = append(brokerOpts, broker.WithObserver(collector))
		deps.Metrics = collector.Handler()
		if cfg.RateLimitRPS > 0 {
			deps.RateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, collector.Throttled)
		}
	} else if cfg.RateLimitRPS > 0 {
		deps.RateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, nil)
	}
	if deps.RateLimiter != nil {
		defer deps.RateLimiter.Stop()
	}

	if cfg.MaintenanceFlag != "" {
		m, err := middleware.NewMaintenance(cfg.MaintenanceFlag, logger)
		if err != nil {
			return err
		}
		defer m.Close()
		deps.Maintenance = m
	}

	b := broker.New(brokerOpts...)
	deps.Handler = brokerhttp.NewHandler(b, validation.New(), cfg, brokerhttp.WithServerContext(ctx))
	router := brokerhttp.NewRouter(deps)

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listening", "addr", srv.Addr, "on_conflict", cfg.OnConflict, "subscribe_timeout", cfg.SubscribeTimeout)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server.shutting_down", "pending_waiters", b.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
