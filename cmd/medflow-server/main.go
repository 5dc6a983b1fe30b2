package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/medflow/internal/config"
	"github.com/medflow/medflow/internal/domain/billing"
	"github.com/medflow/medflow/internal/domain/diagnosis"
	"github.com/medflow/medflow/internal/domain/laborder"
	"github.com/medflow/medflow/internal/domain/orders"
	"github.com/medflow/medflow/internal/domain/prescription"
	"github.com/medflow/medflow/internal/domain/terminology"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/cache"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/erx"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/middleware"
	"github.com/medflow/medflow/internal/platform/validation"
	"github.com/medflow/medflow/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medflow-server",
		Short: "Practice management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(practiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource reads migrations from dir when given, otherwise from the
// files embedded in the binary.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context, cfg *config.Config) (*db.Migrator, func(), error) {
	pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(cfg.MigrationsDir)), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run practice schema migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		practice, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dir != "" {
			cfg.MigrationsDir = dir
		}
		ctx := cmd.Context()
		migrator, closePool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer closePool()
		return fn(ctx, migrator, db.SchemaName(practice))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "default", "Practice whose schema is migrated")
		c.Flags().String("dir", "", "Migrations directory (defaults to the embedded migrations)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func practiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a practice schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating practice schema: %s\n", db.SchemaName(name))
			migrator := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir))
			if err := db.CreatePracticeSchema(ctx, pool, name, migrator); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Practice created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Practice identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newPublisher sends clinical events to Kafka when brokers are configured
// and to the log otherwise.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func() error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), func() error { return nil }
	}
	p := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	return p, p.Close
}

// awsLoader loads the shared AWS config on first use. S3 documents and the
// eRx queue both need it, and neither may be configured.
func awsLoader(ctx context.Context, region string) func() (aws.Config, error) {
	var (
		once sync.Once
		cfg  aws.Config
		err  error
	)
	return func() (aws.Config, error) {
		once.Do(func() {
			cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				err = fmt.Errorf("load aws config: %w", err)
			}
		})
		return cfg, err
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error)) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3Store(awsCfg, cfg.BlobBucket), nil
	case "minio":
		return blobstore.NewMinioStore(ctx, blobstore.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Bucket:    cfg.BlobBucket,
		})
	default:
		return blobstore.NewMemoryStore(), nil
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	loadAWS := awsLoader(ctx, cfg.AWSRegion)
	healthChecks := map[string]db.Check{}

	// Terminology, cached in Redis when configured
	var codeRepo terminology.Repository = terminology.NewRepoPG(pool)
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		codeRepo = terminology.NewCachedRepository(codeRepo, cache.New(client, "medflow:codes:"), cfg.CodeCacheTTL, logger)
		healthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info().Msg("medical code cache enabled")
	}
	codeSvc := terminology.NewService(codeRepo)

	publisher, closePublisher := newPublisher(cfg, logger)
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Warn().Err(err).Msg("event publisher close failed")
		}
	}()

	blobs, err := newBlobStore(ctx, cfg, loadAWS)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up document storage")
	}

	tx := db.NewTransactor(pool)

	// Domain services
	dxSvc := diagnosis.NewService(diagnosis.NewRepoPG(pool), codeSvc, logger)
	dxSvc.SetTransactor(tx)
	dxSvc.SetPublisher(publisher)

	rxSvc := prescription.NewService(
		prescription.NewRepoPG(pool),
		prescription.NewCatalogRepoPG(pool),
		prescription.NewPharmacyRepoPG(pool),
		prescription.NewInteractionRepoPG(pool),
		logger,
	)
	rxSvc.SetPublisher(publisher)
	if cfg.ERxQueueURL != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load AWS config")
		}
		rxSvc.SetTransmitter(erx.NewSQSTransmitter(awsCfg, cfg.ERxQueueURL))
		logger.Info().Str("queue", cfg.ERxQueueURL).Msg("eRx transmission enabled")
	}

	labSvc := laborder.NewService(laborder.NewRepoPG(pool), laborder.NewLaboratoryRepoPG(pool), dxSvc, logger)
	labSvc.SetCodeLookup(codeSvc)
	labSvc.SetPublisher(publisher)

	orderSvc := orders.NewService(dxSvc, rxSvc, labSvc, logger)
	orderSvc.SetTransactor(tx)

	paymentSvc := billing.NewService(billing.NewPostingRepoPG(pool), blobs, logger)
	paymentSvc.SetPublisher(publisher)

	sessions := prescription.NewSessionStore(30 * time.Minute)
	go sessions.Run(ctx, time.Minute)
	rxHandler := prescription.NewHandler(rxSvc, sessions, logger)
	rxHandler.BindSessionChecks(pool)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Practice-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: every request runs as admin")
		apiV1.Use(auth.DevAuthMiddleware(cfg.DefaultPractice))
	} else {
		jwks, err := auth.NewJWKS(ctx, cfg.AuthJWKSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load signing keys")
		}
		defer jwks.EndBackground()
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			Keyfunc:  jwks.Keyfunc,
		}))
	}
	apiV1.Use(db.PracticeMiddleware(pool, cfg.DefaultPractice))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg.RequestsPerSecond, rateLimitCfg.BurstSize = 50, 100
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	terminology.NewHandler(codeSvc).RegisterRoutes(apiV1)
	diagnosis.NewHandler(dxSvc).RegisterRoutes(apiV1)
	orders.NewHandler(orderSvc).RegisterRoutes(apiV1)
	rxHandler.RegisterRoutes(apiV1)
	laborder.NewHandler(labSvc).RegisterRoutes(apiV1)
	billing.NewHandler(paymentSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
