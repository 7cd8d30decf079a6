package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/plantid/internal/audit"
	"github.com/example/plantid/internal/classifier"
	"github.com/example/plantid/internal/config"
	"github.com/example/plantid/internal/grpcclient"
	"github.com/example/plantid/internal/handlers"
	"github.com/example/plantid/internal/logging"
	"github.com/example/plantid/internal/repository"
	"github.com/example/plantid/internal/server"
	"github.com/example/plantid/internal/session"
	"github.com/example/plantid/internal/stats"
)

// Version is the application version.
const Version = "0.1.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}

	cmd := &cobra.Command{
		Use:          "plantid",
		Short:        "Classify plant images received over a raw TCP socket",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := cmd.Flags()
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "TCP address to accept images on")
	flags.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Maximum bytes read from a socket at once")
	flags.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Maximum number of connections served concurrently")
	flags.Float64VarP(&cfg.AccuracyThreshold, "threshold", "t", cfg.AccuracyThreshold, "Minimum confidence percentage for an accepted verdict")
	flags.IntVar(&cfg.PrefixSize, "prefix-size", cfg.PrefixSize, "Leading bytes discarded before each image")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Maximum time to receive one image")
	flags.StringSliceVar(&cfg.Labels, "labels", cfg.Labels, "Class labels in model output order")
	flags.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "Directory where received images are kept")
	flags.BoolVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "Serve several images per connection instead of closing after one")
	flags.StringVarP(&cfg.ModelPath, "model", "m", cfg.ModelPath, "Path to the ONNX model")
	flags.StringVar(&cfg.MetadataPath, "model-metadata", cfg.MetadataPath, "Path to the model metadata JSON")
	flags.StringVar(&cfg.RuntimeLibPath, "onnxruntime-lib", cfg.RuntimeLibPath, "Path to the onnxruntime shared library")
	flags.StringVar(&cfg.ClassifierAddr, "classifier-addr", cfg.ClassifierAddr, "Remote gRPC classifier (replaces the local model)")
	flags.StringVar(&cfg.DatabaseDSN, "db", cfg.DatabaseDSN, "PostgreSQL DSN for the classification log")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for verdict counters")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP address for health and stats endpoints")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed for in-flight sessions on shutdown")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Log session state transitions")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}
	logger, err := logging.NewLoggerWithLevel(level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cls, closeClassifier, err := initClassifier(startCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise classifier", zap.Error(err))
		return err
	}
	defer closeClassifier()

	options := []session.Option{session.WithImageStore(audit.NewImageStore(cfg.ImageDir))}
	var deps handlers.Dependencies

	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(startCtx, cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return err
		}
		repo := repository.NewClassificationRepository(db, logger)
		if err := repo.AutoMigrate(startCtx); err != nil {
			logger.Error("auto migrate failed", zap.Error(err))
			return err
		}
		options = append(options, session.WithLogStore(repo))
		deps.Metrics = repo
		deps.Sessions = repo
	}

	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(startCtx, cfg.RedisAddr)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		defer redisClient.Close()
		recorder := stats.NewRecorder(stats.NewRedisCounter(redisClient), logger)
		options = append(options, session.WithRecorder(recorder))
		deps.Verdicts = recorder
	}

	handler := session.NewHandler(classifier.WithLabelCheck(cls, cfg.Labels), session.Options{
		ChunkSize:   cfg.ChunkSize,
		Threshold:   cfg.AccuracyThreshold,
		PrefixSize:  cfg.PrefixSize,
		IdleTimeout: cfg.IdleTimeout,
		KeepAlive:   cfg.KeepAlive,
	}, logger, options...)

	srv := &server.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
	}
	deps.ActiveSessions = srv.ActiveSessions

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to bind", zap.String("addr", cfg.ListenAddr), zap.Error(err))
		return err
	}

	var admin *http.Server
	if cfg.AdminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		handlers.RegisterRoutes(router, deps)
		admin = &http.Server{Addr: cfg.AdminAddr, Handler: router}
	}

	logger.Info("plant classifier starting",
		zap.String("addr", ln.Addr().String()),
		zap.Float64("threshold", cfg.AccuracyThreshold),
		zap.Strings("labels", cfg.Labels),
		zap.Bool("keep_alive", cfg.KeepAlive),
		zap.Int("initial_read_size", cfg.InitialReadSize))

	return serveWithOptions(ctx, srv, ln, admin, nil, cfg.ShutdownTimeout, logger, nil)
}

func initClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Classifier, func(), error) {
	if cfg.ClassifierAddr != "" {
		cls, conn, err := grpcclient.DialClassifier(ctx, cfg.ClassifierAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return cls, func() { conn.Close() }, nil
	}

	cls, err := classifier.NewONNXClassifier(cfg.ModelPath, cfg.MetadataPath, cfg.RuntimeLibPath, cfg.Labels, logger)
	if err != nil {
		return nil, nil, err
	}
	return cls, cls.Close, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// serveWithOptions runs the TCP server, and the admin server when given,
// until a signal arrives, ctx is cancelled, or a server fails. Listeners may
// be nil to bind the configured addresses; signalCh may be nil to use
// SIGINT/SIGTERM.
func serveWithOptions(ctx context.Context, srv *server.Server, ln net.Listener, admin *http.Server, adminLn net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	srvErr := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			err = srv.Serve(context.Background(), ln)
		} else {
			err = srv.ListenAndServe(context.Background())
		}
		if errors.Is(err, server.ErrServerClosed) {
			err = nil
		}
		srvErr <- err
	}()

	adminErr := make(chan error, 1)
	if admin != nil {
		go func() {
			var err error
			if adminLn != nil {
				err = admin.Serve(adminLn)
			} else {
				err = admin.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			adminErr <- err
		}()
	}

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var adminShutdownErr error
		if admin != nil {
			adminShutdownErr = admin.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return adminShutdownErr
	}

	select {
	case err := <-srvErr:
		if admin != nil {
			shutdown() //nolint:errcheck
		}
		return err
	case err := <-adminErr:
		logger.Error("admin server failed", zap.Error(err))
		if shutdownErr := shutdown(); shutdownErr != nil {
			return shutdownErr
		}
		if serveErr := <-srvErr; serveErr != nil {
			return serveErr
		}
		return err
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig, ok := <-sigCh:
		if !ok {
			return <-srvErr
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	if err := shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-srvErr
}
