package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/auth"
	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/metrics"
	"docsync/internal/repository"
	"docsync/internal/services"
	"docsync/internal/services/broadcast"
	"docsync/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	log.Println("🚀 Starting docsync server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing goes first so startup queries are traced too
	shutdownTracing := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.JaegerEndpoint != "" {
		shutdownTracing, err = telemetry.InitJaeger("docsync", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
			shutdownTracing = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		log.Fatalf("❌ Failed to register metrics: %v", err)
	}

	docRepo := repository.NewDocumentRepository(database.DB)
	groupRepo := repository.NewGroupRepository(database.DB)
	access := services.NewAccessChecker(groupRepo)

	hub := broadcast.NewHub(access, broadcast.Options{
		SendBuffer:  cfg.HubSendBuffer,
		IdleTimeout: cfg.HubIdleTimeout,
	})
	hub.Start()

	verifier := auth.NewVerifier(cfg.JWTSecret)

	handler := api.NewHandler(
		services.NewSyncService(docRepo, access, cfg.SyncMaxLimit),
		services.NewDocumentService(docRepo, access, hub),
		broadcast.NewHandler(hub, verifier),
	)
	router := api.SetupRoutes(handler, verifier, registry)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   GET    /sync?collection=&since=&limit=&offset=        - Incremental sync")
		log.Printf("   POST   /api/collections/{collection}/documents      - Create document")
		log.Printf("   PUT    /api/collections/{collection}/documents/{id} - Write document")
		log.Printf("   DELETE /api/collections/{collection}/documents/{id} - Delete document")
		log.Printf("   GET    /ws                                          - Realtime change events")
		log.Printf("   GET    /metrics                                     - Prometheus metrics")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Hijacked websocket connections are not covered by server.Shutdown
	hub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
