package main

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"
	_ "net/http/pprof"

	"github.com/cerulean-social/cerulean/engine"
	"github.com/cerulean-social/cerulean/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "cerulean",
		Usage:   "account graph and statistics daemon",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "admin-password",
			Usage:   "secret password/token for accessing admin endpoints (random is used if not set)",
			EnvVars: []string{"CERULEAN_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"CERULEAN_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the graph daemon",
			Action: runService,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "db-url",
					Usage:   "database connection string for graph database",
					Value:   "sqlite://data/cerulean/cerulean.sqlite",
					EnvVars: []string{"DATABASE_URL"},
				},
				&cli.IntFlag{
					Name:    "max-db-conn",
					Usage:   "limit on size of database connection pool",
					EnvVars: []string{"MAX_DB_CONNECTIONS"},
					Value:   40,
				},
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "IP or address, and port, to listen on for HTTP APIs",
					Value:   ":2480",
					EnvVars: []string{"CERULEAN_API_BIND"},
				},
				&cli.StringFlag{
					Name:    "redis-url",
					Usage:   "redis connection string for the shared digest cache; in-process only if unset",
					EnvVars: []string{"CERULEAN_REDIS_URL", "REDIS_URL"},
				},
				&cli.DurationFlag{
					Name:    "digest-ttl",
					Usage:   "retention duration for cached follower digests",
					Value:   time.Hour,
					EnvVars: []string{"CERULEAN_DIGEST_TTL"},
				},
				&cli.IntFlag{
					Name:    "account-cache-size",
					Usage:   "size of in-process account row cache",
					Value:   100_000,
					EnvVars: []string{"CERULEAN_ACCOUNT_CACHE_SIZE"},
				},
				&cli.DurationFlag{
					Name:    "mute-sweep-interval",
					Usage:   "how often to sweep expired mutes",
					Value:   5 * time.Minute,
					EnvVars: []string{"CERULEAN_MUTE_SWEEP_INTERVAL"},
				},
				&cli.BoolFlag{
					Name: "enable-db-tracing",
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "IP or address, and port, to listen on for prometheus metrics",
					Value:   ":2481",
					EnvVars: []string{"CERULEAN_METRICS_LISTEN"},
				},
			},
		},
	}
	return app.Run(args)
}

func runService(cctx *cli.Context) error {
	ctx := cctx.Context
	logger := cliutil.ConfigLogger(cctx.String("log-level"), os.Stdout)

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	logger.Info("configuring database", "url", dburl, "maxConn", maxConn)
	db, err := cliutil.SetupDatabase(dburl, maxConn)
	if err != nil {
		return err
	}

	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return err
		}
	}

	digests, err := engine.NewDigestCache(cctx.String("redis-url"), cctx.Duration("digest-ttl"))
	if err != nil {
		return err
	}

	engConfig := engine.DefaultEngineConfig()
	engConfig.DigestTTL = cctx.Duration("digest-ttl")
	engConfig.AccountCacheSize = cctx.Int("account-cache-size")

	logger.Info("constructing graph engine")
	eng, err := engine.NewEngine(db, digests, engConfig)
	if err != nil {
		return err
	}

	svcConfig := DefaultServiceConfig()
	if cctx.IsSet("admin-password") {
		svcConfig.AdminPassword = cctx.String("admin-password")
	} else {
		var rblob [10]byte
		_, _ = rand.Read(rblob[:])
		svcConfig.AdminPassword = base64.URLEncoding.EncodeToString(rblob[:])
		logger.Info("generated random admin password", "username", "admin", "password", svcConfig.AdminPassword)
	}

	svc, err := NewService(eng, svcConfig)
	if err != nil {
		return err
	}

	// start metrics endpoint
	go func() {
		if err := svc.StartMetrics(cctx.String("metrics-listen")); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	// periodically drop expired mutes
	go func() {
		interval := cctx.Duration("mute-sweep-interval")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := eng.SweepExpiredMutes(ctx)
				if err != nil {
					logger.Error("mute sweep failed", "err", err)
					continue
				}
				if swept > 0 {
					logger.Info("swept expired mutes", "count", swept)
				}
			}
		}
	}()

	svcErr := make(chan error, 1)
	go func() {
		err := svc.StartAPI(cctx.String("bind"))
		svcErr <- err
	}()

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
		if err := svc.Shutdown(); err != nil {
			logger.Error("error during shutdown", "err", err)
		}
	case err := <-svcErr:
		if err != nil {
			logger.Error("error during startup", "err", err)
		}
		logger.Info("shutting down")
		if err := svc.Shutdown(); err != nil {
			logger.Error("error during shutdown", "err", err)
		}
	}

	logger.Info("shutdown complete")

	return nil
}
