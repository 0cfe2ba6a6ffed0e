// Command abby-connector is the network-facing half of the Abby
// pipeline: it validates capability tokens, runs the authorization
// gate, and forwards authorized playback commands to the player
// daemon over its local control socket. It never opens a decryptor
// itself.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenchrcum/abby/internal/audit"
	"github.com/kenchrcum/abby/internal/broker"
	"github.com/kenchrcum/abby/internal/catalog"
	"github.com/kenchrcum/abby/internal/config"
	"github.com/kenchrcum/abby/internal/debug"
	"github.com/kenchrcum/abby/internal/hardware"
	"github.com/kenchrcum/abby/internal/metrics"
	"github.com/kenchrcum/abby/internal/middleware"
	"github.com/kenchrcum/abby/internal/sessioncache"
	"github.com/kenchrcum/abby/internal/tracing"
	"github.com/kenchrcum/abby/internal/token"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:   "abby-connector",
		Short: "Abby connector: token authorization gate and command broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return run(ctx, configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the connector's YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("abby-connector: %w", err)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	debug.InitFromLogLevel(cfg.LogLevel)
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		return fmt.Errorf("abby-connector: tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	m := metrics.New()
	m.RecordHardwareAcceleration()
	stop := make(chan struct{})
	defer close(stop)
	m.StartRuntimeCollector(5*time.Second, stop)

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("abby-connector: audit: %w", err)
	}
	defer auditLogger.Close()

	source, err := newTrackSource(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("abby-connector: storage backend: %w", err)
	}

	cat, err := catalog.Load(cfg.CatalogPath, source, logger)
	if err != nil {
		return fmt.Errorf("abby-connector: catalog: %w", err)
	}
	defer cat.Close()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := cat.WatchForChanges(watchCtx); err != nil {
			logger.WithError(err).Warn("catalog watch stopped")
		}
	}()

	pubKey, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("abby-connector: public key: %w", err)
	}
	validator, err := token.NewValidator(pubKey)
	if err != nil {
		return fmt.Errorf("abby-connector: token validator: %w", err)
	}

	cache, err := newSessionCache(cfg.SessionCache)
	if err != nil {
		return fmt.Errorf("abby-connector: session cache: %w", err)
	}

	devID := hardware.DevID(logger)

	b := &broker.Broker{
		Catalog:           cat,
		Validator:         validator,
		Cache:             cache,
		Metrics:           m,
		Audit:             auditLogger,
		Logger:            logger,
		ControlSocketPath: cfg.ControlSocketPath,
		DevID:             devID,
	}

	ln, err := net.Listen("tcp", cfg.ConnectorListenAddr)
	if err != nil {
		return fmt.Errorf("abby-connector: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go serveAdmin(cfg.AdminListenAddr, logger, m, cat)

	logger.WithField("addr", cfg.ConnectorListenAddr).Info("abby-connector listening")
	return b.Serve(ctx, ln)
}

func newTrackSource(ctx context.Context, cfg config.StorageConfig) (catalog.TrackSource, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, err
		}
		return &catalog.S3TrackSource{Client: s3.NewFromConfig(awsCfg), Bucket: cfg.Bucket}, nil
	default:
		return &catalog.LocalTrackSource{}, nil
	}
}

func newSessionCache(cfg config.SessionCacheConfig) (sessioncache.Cache, error) {
	if cfg.Backend != "redis" {
		return sessioncache.NewMemoryCache(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return sessioncache.NewRedisCache(client, cfg.Prefix), nil
}

// serveAdmin exposes /health, /ready, /live, /metrics alongside the
// TCP broker.
func serveAdmin(addr string, logger *logrus.Logger, m *metrics.Metrics, cat *catalog.Catalog) {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.RecoveryMiddleware(logger))
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(func(context.Context) error {
		if len(cat.List()) == 0 {
			return fmt.Errorf("catalog has no resolvable tracks")
		}
		return nil
	})).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	logger.WithField("addr", addr).Info("abby-connector admin server listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.WithError(err).Warn("admin server stopped")
	}
}
