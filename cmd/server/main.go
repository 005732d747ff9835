// Package main is the entry point for the correlate resolution engine
// service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nucleus/correlate/internal/auth"
	"github.com/nucleus/correlate/internal/config"
	"github.com/nucleus/correlate/internal/corrections"
	"github.com/nucleus/correlate/internal/httpapi"
	"github.com/nucleus/correlate/internal/sqlstore"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg := config.Load()

	// Initialize database connection
	client, err := sqlstore.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer client.Close()

	// Run migrations
	if err := client.Migrate(cfg.MigrationsPath); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	engine := corrections.NewEngine(client, cfg.SentinelScopeEnabled)
	queries := corrections.NewQueries(client.ReadStore())

	handler := httpapi.NewHandler(queries, client, engine)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("/health", healthHandler)

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: auth.Middleware(cfg)(mux),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down server: %v", err)
		}
	}()

	log.Printf("correlate listening on :%s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","version":"0.1.0"}`))
}
