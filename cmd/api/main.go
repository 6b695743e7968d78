package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-student-changes/api/swagger"
	"github.com/noah-isme/sma-student-changes/internal/handler"
	internalmiddleware "github.com/noah-isme/sma-student-changes/internal/middleware"
	"github.com/noah-isme/sma-student-changes/internal/repository"
	"github.com/noah-isme/sma-student-changes/internal/service"
	"github.com/noah-isme/sma-student-changes/pkg/config"
	"github.com/noah-isme/sma-student-changes/pkg/database"
	"github.com/noah-isme/sma-student-changes/pkg/export"
	"github.com/noah-isme/sma-student-changes/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-student-changes/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-student-changes/pkg/middleware/requestid"
)

// @title Student Changes API
// @version 1.0.0
// @description Student status change requests: transfer out, leave and reinstatement
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db.DB); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
		logr.Info("migrations applied")
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := service.NewMetricsService()
	changeRepo := repository.NewStudentChangeRepository(db)
	changeSvc := service.NewStudentChangeService(
		changeRepo,
		service.NewSQLChangeTransactor(db).WithObserver(metrics),
		repository.NewAuditRepository(db),
		logr,
		service.WithChangeEventTopic(cfg.Kafka.ChangeTopic),
		service.WithTransitionRecorder(metrics),
	)
	notices := service.NewChangeNoticeService(changeSvc, repository.NewClassRepository(db), export.NewPDFExporter(), logr)
	tokens := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
	metricsHandler := handler.NewMetricsHandler(metrics, db)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if cfg.Changes.Enabled {
		handler.RegisterStudentChangeRoutes(r.Group(cfg.APIPrefix), handler.NewStudentChangeHandler(changeSvc, notices), handler.RouteOptions{
			Tokens:         tokens,
			RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
			RateLimitBurst: cfg.RateLimit.Burst,
		})
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
