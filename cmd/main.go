package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"storagequota/internal/auth"
	"storagequota/internal/config"
	"storagequota/internal/handler"
	"storagequota/internal/pkg/logger"
	"storagequota/internal/repository"
	"storagequota/internal/service"
)

func main() {
	configPath := flag.String("config", ".app.env", "path to the config file")
	flag.Parse()

	appConfig, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appConfig.Log.Level, appConfig.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, appConfig)
	if err != nil {
		logger.Fatal("Failed to open ledger", zap.String("backend", appConfig.Ledger.Backend), zap.Error(err))
	}
	defer closeLedger()

	var (
		accountant service.Accountant = service.DisabledAccountant{}
		janitor    *service.ReservationJanitor
	)
	if appConfig.Quota.Enabled {
		quotaService := service.NewStorageQuotaService(ledger, appConfig.Quota.DefaultMB)
		accountant = quotaService

		janitor, err = service.NewReservationJanitor(quotaService, ledger, appConfig.Quota.JanitorWorkers)
		if err != nil {
			logger.Fatal("Failed to create reservation janitor", zap.Error(err))
		}
		defer janitor.Close()
	} else {
		logger.Warn("Storage quota enforcement is disabled")
	}

	verifier := auth.NewVerifier(appConfig.Auth.UserHeader)
	quotaHandler := handler.NewStorageQuotaHandler(accountant, verifier)
	healthHandler := handler.NewHealthHandler(func(ctx context.Context) error {
		return repository.Ping(ctx, ledger)
	})

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(appConfig.Server.WriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", verifier.Header()},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(requestLogger)

	r.Get("/healthz", healthHandler.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", quotaHandler.Routes)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := repository.Ping(pingCtx, ledger); err != nil {
		logger.Warn("Ledger is not reachable yet", zap.Error(err))
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	cancel()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:      r,
		ReadTimeout:  appConfig.Server.ReadTimeout,
		WriteTimeout: appConfig.Server.WriteTimeout,
	}

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			logger.Fatal("Failed to listen for gRPC", zap.Error(err))
		}
		logger.Info("Starting gRPC server", zap.String("port", appConfig.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting HTTP server",
			zap.String("port", appConfig.Server.Port),
			zap.String("ledger", appConfig.Ledger.Backend),
			zap.Int64("default_quota_mb", appConfig.Quota.DefaultMB),
			zap.Stringer("log_level", logger.Level()),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		if janitor != nil {
			janitor.Run(ctx, appConfig.Quota.JanitorInterval)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down servers...")
	healthServer.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	grpcServer.GracefulStop()
	<-janitorDone

	logger.Info("Server exited properly")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
