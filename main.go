package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/handler"
	"github.com/AnTengye/contractbill/middleware"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := "config.yaml"
	if v := os.Getenv("CONTRACTBILL_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded", "store", cfg.Store.Driver, "erp", cfg.ERP.Connector, "llm", cfg.LLMAvailable())

	ctx := context.Background()

	store, err := service.NewStore(ctx, &cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	repo := service.NewRepository(store)
	audit := service.NewAuditSink(repo)

	// Object storage and document parsing are optional.
	var docs service.DocumentStore
	if cfg.Minio.Enabled {
		objects, err := service.NewObjectStorage(&cfg.Minio)
		if err != nil {
			slog.Error("failed to initialize object storage", "error", err)
			os.Exit(1)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			slog.Error("failed to ensure bucket", "bucket", cfg.Minio.Bucket, "error", err)
			os.Exit(1)
		}
		docs = objects
	}
	var parser service.TextExtractor
	if cfg.DocParse.APIToken != "" {
		parser = service.NewDocParseClient(&cfg.DocParse)
	}

	var opts []extract.Option
	if cfg.LLMAvailable() {
		opts = append(opts,
			extract.WithBackend(service.NewChatBackend(&cfg.LLM)),
			extract.WithLLMTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second))
	}
	extractor := extract.NewExtractor(opts...)

	contractSvc := service.NewContractService(repo, extractor, docs, parser, audit)
	eventSvc := service.NewWorkEventService(repo, audit)
	invoiceSvc := service.NewInvoiceService(repo, audit, &cfg.Billing)
	approvalSvc := service.NewApprovalService(repo, invoiceSvc, audit)
	connector := service.NewConnector(&cfg.ERP)
	erpSvc := service.NewERPService(repo, invoiceSvc, connector, audit)
	slog.Info("erp connector ready", "connector", connector.Name())

	authHandler := handler.NewAuthHandler(cfg)
	contractHandler := handler.NewContractHandler(contractSvc, cfg.Server.MaxUploadMB)
	eventHandler := handler.NewWorkEventHandler(eventSvc)
	invoiceHandler := handler.NewInvoiceHandler(invoiceSvc, erpSvc)
	approvalHandler := handler.NewApprovalHandler(approvalSvc)
	auditHandler := handler.NewAuditHandler(audit)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger("/health"))
	router.Use(corsMiddleware())
	router.Use(noStoreMiddleware())
	router.Use(middleware.RateLimit(cfg.Server.RateLimitPerMin, time.Minute))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api")
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/contracts", contractHandler.Upload)
		protected.GET("/contracts", contractHandler.List)
		protected.GET("/contracts/:id", contractHandler.Get)
		protected.GET("/contracts/:id/status", contractHandler.GetStatus)
		protected.POST("/contracts/:id/reparse", contractHandler.Reparse)
		protected.POST("/contracts/:id/archive", contractHandler.Archive)
		protected.PATCH("/contracts/:id/clauses/:clause_id", contractHandler.CorrectClause)

		protected.POST("/contracts/:id/events/import", eventHandler.Import)
		protected.POST("/contracts/:id/events", eventHandler.Create)
		protected.GET("/contracts/:id/events", eventHandler.List)
		protected.GET("/events/:event_id", eventHandler.Get)
		protected.PATCH("/events/:event_id", eventHandler.Update)
		protected.DELETE("/events/:event_id", eventHandler.Delete)

		protected.POST("/contracts/:id/invoices", invoiceHandler.Generate)
		protected.GET("/invoices", invoiceHandler.List)
		protected.GET("/invoices/:id", invoiceHandler.Get)
		protected.PATCH("/invoices/:id/lines/:line_id", invoiceHandler.EditLine)
		protected.POST("/invoices/:id/approve",
			middleware.RequireRole(middleware.RoleFinance, middleware.RoleCFO), invoiceHandler.Approve)
		protected.POST("/invoices/:id/reject", invoiceHandler.Reject)
		protected.POST("/invoices/:id/push", invoiceHandler.Push)

		protected.GET("/invoices/:id/approvals", approvalHandler.ForInvoice)
		protected.GET("/approvals/:id", approvalHandler.Get)
		protected.POST("/approvals/:id/revoke", middleware.RequireRole(middleware.RoleCFO), approvalHandler.Revoke)

		protected.GET("/audit", middleware.RequireRole(middleware.RoleCFO), auditHandler.List)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	// Let background parses finish before the store goes away.
	contractSvc.Wait()
	if err := store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// noStoreMiddleware keeps billing data out of shared caches.
func noStoreMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
