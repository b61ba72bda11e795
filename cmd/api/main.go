package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/cadenzahq/conservatory-api/api/swagger"
	"github.com/cadenzahq/conservatory-api/internal/handler"
	"github.com/cadenzahq/conservatory-api/internal/middleware"
	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/repository"
	"github.com/cadenzahq/conservatory-api/internal/service"
	"github.com/cadenzahq/conservatory-api/pkg/cache"
	"github.com/cadenzahq/conservatory-api/pkg/config"
	"github.com/cadenzahq/conservatory-api/pkg/database"
	"github.com/cadenzahq/conservatory-api/pkg/export"
	"github.com/cadenzahq/conservatory-api/pkg/jobs"
	"github.com/cadenzahq/conservatory-api/pkg/logger"
	corsmiddleware "github.com/cadenzahq/conservatory-api/pkg/middleware/cors"
	reqidmiddleware "github.com/cadenzahq/conservatory-api/pkg/middleware/requestid"
	"github.com/cadenzahq/conservatory-api/pkg/storage"
)

// @title Conservatory API
// @version 0.1.0
// @description Lesson scheduling and invoice reconciliation for music schools
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(context.Background(), db); err != nil {
			logr.Sugar().Fatalw("failed to run migrations", "error", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, continuing without cache", "error", err)
			redisClient = nil
		}
	}

	personRepo := repository.NewPersonRepository(db)
	lessonRepo := repository.NewLessonRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	statementRepo := repository.NewStatementRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	authSvc := service.NewAuthService(logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     "conservatory-api",
	})
	directorySvc := service.NewDirectoryService(personRepo, cacheRepo, logr, cfg.Billing.RateCacheTTL)
	metricsSvc := service.NewMetricsService()
	lessonSvc := service.NewLessonService(lessonRepo, directorySvc, personRepo, nil, logr)

	billable := make([]models.LessonStatus, 0, len(cfg.Billing.BillableStatuses))
	for _, s := range cfg.Billing.BillableStatuses {
		billable = append(billable, models.LessonStatus(s))
	}
	billingSvc := service.NewBillingService(invoiceRepo, lessonRepo, directorySvc, personRepo, metricsSvc, nil, logr, service.BillingSettings{
		BillableStatuses: billable,
		DueDayOfMonth:    cfg.Billing.DueDayOfMonth,
	})

	lessonHandler := handler.NewLessonHandler(lessonSvc)
	invoiceHandler := handler.NewInvoiceHandler(billingSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))

	lessons := api.Group("/lessons")
	{
		lessons.GET("", lessonHandler.List)
		lessons.GET("/:id", lessonHandler.Get)
		lessons.POST("", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), lessonHandler.Create)
		lessons.PUT("/:id", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), lessonHandler.Update)
		lessons.POST("/:id/confirm", middleware.RequireRoles(models.RoleStudent), lessonHandler.Confirm)
		lessons.POST("/:id/reschedule", middleware.RequireRoles(models.RoleStudent), lessonHandler.RequestReschedule)
		lessons.POST("/:id/cancel", middleware.RequireRoles(models.RoleStudent), lessonHandler.RequestCancel)
		lessons.POST("/:id/reschedule/decision", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), lessonHandler.DecideReschedule)
		lessons.POST("/:id/cancel/decision", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), lessonHandler.DecideCancel)
	}

	invoices := api.Group("/invoices")
	{
		invoices.GET("", invoiceHandler.List)
		invoices.GET("/:id", invoiceHandler.Get)
		invoices.POST("/generate", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), invoiceHandler.Generate)
		invoices.POST("/:id/pay", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), invoiceHandler.Pay)
		invoices.POST("", middleware.RequireRoles(models.RoleAdmin), invoiceHandler.Create)
		invoices.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), invoiceHandler.Update)
		invoices.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), invoiceHandler.Delete)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statementQueue *jobs.Queue
	if cfg.Statements.Enabled {
		files, err := storage.NewLocalStorage(cfg.Statements.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init statement storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Statements.SignedURLSecret, cfg.Statements.SignedURLTTL)
		exportSvc := service.NewExportService(invoiceRepo, files, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Statements.SignedURLTTL,
		}, logr, export.NewCSVExporter(), export.NewPDFExporter())

		worker := service.NewStatementWorker(statementRepo, exportSvc, metricsSvc, cfg.Statements.WorkerRetries, logr)
		statementQueue = jobs.NewQueue("statements", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Statements.WorkerConcurrency,
			MaxRetries: cfg.Statements.WorkerRetries,
			Logger:     logr,
		})
		statementQueue.Start(ctx)

		statementSvc := service.NewStatementService(statementRepo, statementQueue, exportSvc, logr, service.StatementServiceConfig{
			ResultTTL:       cfg.Statements.SignedURLTTL,
			CleanupInterval: cfg.Statements.CleanupInterval,
			MaxRetries:      cfg.Statements.WorkerRetries,
		})
		statementSvc.RecoverPendingJobs(ctx)
		statementSvc.StartCleanup(ctx)

		statementHandler := handler.NewStatementHandler(statementSvc)
		statements := api.Group("/statements")
		{
			statements.POST("", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), statementHandler.Create)
			statements.GET("/:id", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), statementHandler.Status)
		}
		// Signed token downloads skip JWT so links work from mail clients.
		r.GET(cfg.APIPrefix+"/statements/download", statementHandler.Download)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
	if statementQueue != nil {
		statementQueue.Stop()
	}
}
