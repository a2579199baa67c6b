// Command server runs the sandboxed shell execution service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/shellforge/sandboxd/internal/api"
	"github.com/shellforge/sandboxd/internal/config"
	"github.com/shellforge/sandboxd/internal/container/docker"
	"github.com/shellforge/sandboxd/internal/middleware"
	"github.com/shellforge/sandboxd/internal/registry"
	"github.com/shellforge/sandboxd/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log.Printf("sandboxd %s starting", version.Get())

	runtime, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Fatalf("failed to connect to docker: %v", err)
	}
	defer runtime.Close()

	reg := registry.New(runtime, cfg.MaxConcurrentSandboxes, cfg.SandboxPrivileged)

	reaperLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	reaper := registry.NewReaper(reg, reaperLogger, cfg.IdleTimeout, cfg.IdleCheckInterval)
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	reaper.Start(reaperCtx)

	handler := api.New(reg)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		log.Printf("listening on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	cancelReaper()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := reaper.Shutdown(ctx); err != nil {
		log.Printf("warning: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("warning: graceful shutdown failed: %v", err)
	}
}
