package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/labflow/internal/config"
	"github.com/clinic/labflow/internal/domain/labtest"
	"github.com/clinic/labflow/internal/platform/auth"
	"github.com/clinic/labflow/internal/platform/cache"
	"github.com/clinic/labflow/internal/platform/db"
	"github.com/clinic/labflow/internal/platform/metrics"
	"github.com/clinic/labflow/internal/platform/middleware"
	"github.com/clinic/labflow/internal/platform/notification"
	"github.com/clinic/labflow/migrations"
)

const (
	serviceName     = "labflow"
	version         = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Clinic lab test fulfillment API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// loadConfig loads and validates configuration for any subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  serviceName,
	})
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the lab workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations to the default clinic before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.CreateClinicSchema(ctx, pool, clinic, migrations.FS)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "", "Clinic whose schema is migrated (default DEFAULT_CLINIC)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "", "Clinic whose schema is inspected (default DEFAULT_CLINIC)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidClinicID(name) {
				return fmt.Errorf("clinic name must match [a-z0-9_]{1,48}")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating clinic schema: %s\n", db.SchemaFor(name))
			count, err := db.CreateClinicSchema(ctx, pool, name, migrations.FS)
			if err != nil {
				return err
			}
			fmt.Printf("Clinic created; applied %d migration(s).\n", count)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (lowercase letters, digits, underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.CreateClinicSchema(ctx, pool, cfg.DefaultClinic, migrations.FS)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate default clinic")
		}
		logger.Info().Int("applied", n).Str("clinic", cfg.DefaultClinic).Msg("migrations applied")
	}

	// View cache and rate limiter share Redis when it is configured.
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	var store cache.Store
	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		store = cache.NewRedisStore(client, serviceName+":")
		limiter = middleware.NewRedisLimiter(client, rateLimitCfg)
		logger.Info().Msg("connected to redis")
	} else {
		mem := cache.NewMemoryStore()
		mem.StartCleanup(ctx, time.Minute)
		store = mem
		limiter = middleware.NewMemoryLimiter(rateLimitCfg)
		logger.Warn().Msg("REDIS_URL not set; view cache and rate limits are per process")
	}

	workflowMetrics := metrics.New(prometheus.DefaultRegisterer, metrics.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
	})

	// Notifications
	sender := notification.NewLogSender(cfg.NotifyFrom, logger)
	notifications := notification.NewManager(sender, sender, nil)

	// Lab workflow
	labSvc := labtest.NewService(
		labtest.NewLabOrderRepoPG(pool),
		labtest.NewPrescribedTestRepoPG(pool),
		labtest.NewStatusHistoryRepoPG(pool),
		logger,
	)
	labSvc.SetViewCache(labtest.NewViewCache(store, cfg.ViewStalenessTolerance, logger))
	labSvc.SetMetrics(workflowMetrics)
	labSvc.SetNotifier(labtest.NewPatientNotifier(notifications, cfg.ClinicName))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", db.ClinicHeader},
		ExposeHeaders: []string{labtest.RefreshIntervalHeader, "Retry-After"},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		logger.Warn().Msg("development auth: requests without a token run as an admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Infrastructure endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(workflowMetrics.Handler()))

	// API
	apiV1 := e.Group("/api/v1",
		db.ClinicMiddleware(pool, cfg.DefaultClinic),
		middleware.RateLimit(rateLimitCfg, limiter, logger),
	)
	labtest.NewHandler(labSvc, cfg.ViewRefreshInterval).RegisterRoutes(apiV1)
	notification.NewHandler(notifications).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
