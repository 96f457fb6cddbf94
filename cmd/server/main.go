// Command server runs the castella file gateway: it authenticates against
// the remote drive provider, migrates the metadata database, and serves the
// HTTP front end, grounded on original_source/src/main.rs's init order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/chiya-dev/castella-gateway/internal/api"
	"github.com/chiya-dev/castella-gateway/internal/config"
	"github.com/chiya-dev/castella-gateway/internal/crypto"
	"github.com/chiya-dev/castella-gateway/internal/db"
	"github.com/chiya-dev/castella-gateway/internal/driveclient"
	"github.com/chiya-dev/castella-gateway/internal/gateway"
	"github.com/chiya-dev/castella-gateway/internal/httpclient"
	"github.com/chiya-dev/castella-gateway/internal/metrics"
	"github.com/chiya-dev/castella-gateway/internal/middleware"
	"github.com/chiya-dev/castella-gateway/internal/oauth"
	"github.com/chiya-dev/castella-gateway/internal/ratelimit"

	"github.com/gorilla/mux"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "server",
		Short: "castella encrypted file gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	if err := config.BindFlags(root.Flags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled: failed to initialize exporter")
	} else {
		defer shutdownTracing(ctx)
	}

	m := metrics.NewMetrics()
	m.SetHardwareAccelerationStatus("aes-ni", crypto.IsHardwareAccelerationEnabled(cfg.Hardware))
	m.StartSystemMetricsCollector()

	// Drive authenticator: compression enabled, per ambient HTTP client policy.
	authHTTPClient, err := httpclient.New(httpclient.Config{
		UserAgent:     cfg.ClientUserAgent,
		Proxy:         cfg.ClientProxy,
		Compression:   true,
		AllowInsecure: cfg.ClientAllowInsecure,
	})
	if err != nil {
		return fmt.Errorf("building auth http client: %w", err)
	}
	authenticator := oauth.New(authHTTPClient, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRefreshToken)

	// Drive client: compression disabled (media is already high-entropy ciphertext).
	driveHTTPClient, err := httpclient.New(httpclient.Config{
		UserAgent:     cfg.ClientUserAgent,
		Proxy:         cfg.ClientProxy,
		Compression:   false,
		AllowInsecure: cfg.ClientAllowInsecure,
	})
	if err != nil {
		return fmt.Errorf("building drive http client: %w", err)
	}

	requestQuota, err := ratelimit.ParseQuota(cfg.DriveRequestLimit)
	if err != nil {
		return fmt.Errorf("drive request limit: %w", err)
	}
	uploadQuota, err := ratelimit.ParseQuota(cfg.DriveUploadLimit)
	if err != nil {
		return fmt.Errorf("drive upload limit: %w", err)
	}
	requestLimiter := ratelimit.NewRequestLimiter(requestQuota)
	uploadLimiter := ratelimit.NewBandwidthLimiter(uploadQuota)

	drive := driveclient.New(driveHTTPClient, authenticator, requestLimiter, uploadLimiter)

	logger.Debug("connecting to database")
	store, err := db.Open(ctx, cfg.DBConnection)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	gw := gateway.New(store, drive, logger, m)

	handler := api.NewHandler(gw, logger, m, cfg.MaxUploadSizeBytes())
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.ServerEndpoint,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // uploads/downloads may stream far longer than any fixed timeout
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ServerEndpoint).Info("initialization complete; starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// initTracing wires an OTel tracer that writes spans to stdout; replacing
// this exporter with an OTLP one is the only change needed to ship spans
// to a collector.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", "castella-gateway")))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(0.1)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
