package serve

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"github.com/voxline/calldata-service/internal/config"

	// Import all plugins to trigger init() registration
	_ "github.com/voxline/calldata-service/internal/plugin/cache/noop"
	_ "github.com/voxline/calldata-service/internal/plugin/cache/redis"
	_ "github.com/voxline/calldata-service/internal/plugin/store/mongo"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the call-data HTTP server",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_READ_HEADER_TIMEOUT"),
			Destination: &cfg.ReadHeaderTimeout,
			Value:       cfg.ReadHeaderTimeout,
			Usage:       "HTTP read header timeout",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout",
		},
		&cli.IntFlag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_MAX_BODY_SIZE"),
			Value:       int(cfg.MaxBodySize),
			Usage:       "Maximum request body size in bytes",
			Action: func(ctx context.Context, cmd *cli.Command, v int) error {
				cfg.MaxBodySize = int64(v)
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_ACCESS_LOG"),
			Destination: &cfg.AccessLog,
			Value:       cfg.AccessLog,
			Usage:       "Enable HTTP access logging",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Server:",
			Sources:     cli.EnvVars("CALLDATA_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Constant key=value labels added to all Prometheus metrics",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CALLDATA_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "MongoDB connection string (required)",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("CALLDATA_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "MongoDB database name",
		},
		&cli.IntFlag{
			Name:        "db-connect-attempts",
			Category:    "Database:",
			Sources:     cli.EnvVars("CALLDATA_DB_CONNECT_ATTEMPTS"),
			Destination: &cfg.DBConnectAttempts,
			Value:       cfg.DBConnectAttempts,
			Usage:       "Connection attempts before startup fails",
		},
		&cli.IntFlag{
			Name:        "store-max-concurrent",
			Category:    "Database:",
			Sources:     cli.EnvVars("CALLDATA_STORE_MAX_CONCURRENT"),
			Value:       int(cfg.StoreMaxConcurrent),
			Usage:       "Maximum store operations dispatched concurrently (0 disables the bound)",
			Action: func(ctx context.Context, cmd *cli.Command, v int) error {
				cfg.StoreMaxConcurrent = int64(v)
				return nil
			},
		},
		&cli.StringFlag{
			Name:        "timezone",
			Category:    "Database:",
			Sources:     cli.EnvVars("CALLDATA_TIMEZONE"),
			Destination: &cfg.Timezone,
			Value:       cfg.Timezone,
			Usage:       "Civil timezone for date bounds and display timestamps",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CALLDATA_CACHE"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Latest-call cache backend: none or redis",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CALLDATA_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the latest-call cache",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CALLDATA_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Latest-call cache entry TTL",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
