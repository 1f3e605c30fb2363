package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"natforward/internal/config"
	"natforward/internal/database"
	"natforward/internal/forwarding"
	"natforward/internal/handlers"
	"natforward/internal/services"
	"natforward/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "natforward",
	Short:        "NAT port forwarding lifecycle manager",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hook and admin API with the periodic sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		return a.serve(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned mappings once and audit proxy rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		report, err := a.hooks.OnScheduledSweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned mapping(s)\n", report.Removed)
		for serverID, ports := range report.Unmanaged {
			fmt.Printf("Server %d: unmanaged rules on ports %v\n", serverID, ports)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show port usage per NAT enabled server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		total, err := a.mappings.Count(ctx)
		if err != nil {
			return err
		}
		servers, err := a.registry.ListServers(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tNAME\tRANGE\tUSED\tAVAILABLE\tUTILIZATION")
		for _, s := range servers {
			cfg, err := config.NATConfigFromServer(s)
			if err != nil || !cfg.Enabled {
				continue
			}
			u, err := a.reconciler.Usage(ctx, cfg.PortRange)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%.1f%%\n", s.ID, s.Name, u.Range, u.Used, u.Available, u.Utilization)
		}
		w.Flush()
		fmt.Printf("Total mappings: %d\n", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	mappings   store.MappingStore
	registry   *services.Registry
	tickets    *services.TicketStore
	creds      *services.CredentialStore
	factory    *services.ClientFactory
	reconciler *forwarding.Reconciler
	hooks      *forwarding.Hooks
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func setup() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	db, err := database.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to init DB")
		return nil, err
	}

	creds, err := services.NewCredentialStore(db, cfg.CredentialKey)
	if err != nil {
		return nil, err
	}
	if cfg.CredentialKey == "" {
		log.Warn().Msg("NATFORWARD_CREDENTIAL_KEY not set, server passwords are stored unencrypted")
	}

	locker, err := newLocker(cfg, log)
	if err != nil {
		return nil, err
	}

	var notifier forwarding.NotificationSink = services.NewLogNotifier(log)
	if cfg.SMTPHost != "" {
		notifier = services.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom,
			log.With().Str("component", "mail").Logger())
	}

	a := &app{cfg: cfg, log: log, creds: creds}
	a.mappings = store.NewGormStore(db)
	a.registry = services.NewRegistry(db)
	a.tickets = services.NewTicketStore(db, a.registry, log)
	a.factory = services.NewClientFactory(cfg, creds, log.With().Str("component", "proxy").Logger())

	fwdLog := log.With().Str("component", "forwarding").Logger()
	a.reconciler = forwarding.NewReconciler(a.mappings, a.factory, locker, cfg.ProxyTimeout, fwdLog)
	sweeper := forwarding.NewSweeper(a.mappings, a.reconciler, a.registry, cfg.ProvisionalGrace, fwdLog)
	a.hooks = forwarding.NewHooks(a.reconciler, sweeper, a.registry, a.registry, notifier, a.tickets, cfg.PruneRemoteOrphans, fwdLog)
	return a, nil
}

func newLocker(cfg *config.Config, log zerolog.Logger) (forwarding.RangeLocker, error) {
	switch cfg.LockBackend {
	case "", "local":
		return forwarding.NewLocalLocker(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis range locks")
		return forwarding.NewRedisLocker(client, cfg.LockTTL, log), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}

func (a *app) serve(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := a.log.Info()
			if v.Error != nil {
				ev = a.log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handlers.RegisterRoutes(e, handlers.Deps{
		Hooks:        a.hooks,
		Reconciler:   a.reconciler,
		Mappings:     a.mappings,
		Registry:     a.registry,
		Tickets:      a.tickets,
		Credentials:  a.creds,
		Proxies:      a.factory,
		ProxyTimeout: a.cfg.ProxyTimeout,
		Log:          a.log,
	})

	go a.sweepLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("natforward starting")
		if err := e.Start(a.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func (a *app) sweepLoop(ctx context.Context) {
	if a.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.hooks.OnScheduledSweep(ctx)
			if err != nil {
				a.log.Error().Err(err).Msg("Scheduled sweep failed")
				continue
			}
			a.log.Info().Int("removed", report.Removed).Int("servers_with_unmanaged_rules", len(report.Unmanaged)).
				Msg("Scheduled sweep finished")
		}
	}
}
