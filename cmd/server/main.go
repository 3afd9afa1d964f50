package main

import (
	"log"
	"net/http"

	"snapflow-backend/internal/config"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/handlers"
	"snapflow-backend/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize stage handlers
	gatewayHandler := handlers.NewGatewayHandler(cfg)
	discoveryHandler := handlers.NewDiscoveryHandler(storage.CreateFromPayload)
	processHandler := handlers.NewProcessHandler(cfg, storage.CreateFromPayload, enhancement.CreateFromPayload)
	finalizeHandler := handlers.NewFinalizeHandler(storage.CreateFromPayload, enhancement.CreateFromPayload)

	// Setup router
	router := gin.Default()

	// Health check
	router.GET("/health", handlers.HealthHandler)

	// Pipeline stages
	router.POST("/gateway", gatewayHandler.Gateway)
	router.POST("/discovery", discoveryHandler.Discover)
	router.POST("/process", processHandler.Process)
	router.POST("/finalize", finalizeHandler.Finalize)

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
