// cmd/server/main.go
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"v2raybridge/internal/config"
	"v2raybridge/internal/engine/docker"
	"v2raybridge/internal/metrics"
	"v2raybridge/internal/session"
	"v2raybridge/internal/session/gateway"
	"v2raybridge/internal/session/repository"
	"v2raybridge/internal/session/service"
	sessionhttp "v2raybridge/internal/session/transport/http"
	"v2raybridge/pkg/db"
	"v2raybridge/pkg/middleware"
)

func main() {
	fmt.Println("v2raybridge starting...")
	cfg := config.Load()
	metrics.InitMetrics()

	// --- ДВИЖОК ---
	controller := service.NewController(nil)
	switch cfg.EngineDriver {
	case "docker":
		engine, err := docker.New(docker.Config{
			Image:           cfg.V2RayImage,
			ContainerPrefix: cfg.ContainerPrefix,
			ProbeURL:        cfg.EngineProbeURL,
			PublishIP:       cfg.EnginePublishIP,
			SampleInterval:  cfg.EngineSampleInterval,
			ReadyAttempts:   cfg.EngineReadyAttempts,
		})
		if err != nil {
			log.Fatalf("Docker engine init failed: %v", err)
		}
		if err := controller.Attach(engine); err != nil {
			log.Fatalf("Engine attach failed: %v", err)
		}
		log.Printf("Docker engine attached, image %s, ports published on %s", cfg.V2RayImage, cfg.EnginePublishIP)
	case "none":
		log.Println("Warning: no engine attached, start commands will fail")
	default:
		log.Fatalf("Unknown ENGINE_DRIVER %q", cfg.EngineDriver)
	}

	// --- ИСТОРИЯ СЕССИЙ ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var history repository.HistoryRepository
	if cfg.DatabaseURL != "" {
		database, err := db.ConnectX(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		defer database.Close()
		repo := repository.NewPostgresHistoryRepo(database)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("Schema migration failed: %v", err)
		}
		history = repo
		go service.NewHistoryRecorder(repo).Run(ctx, controller)
		log.Println("Session history enabled")
	}

	handler := sessionhttp.NewSessionHandler(gateway.New(controller), controller, history)

	// --- РОУТЕР ---
	r := chi.NewRouter()
	r.Use(middleware.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	metricsHandler := promhttp.Handler()
	if cfg.MetricsUser != "" {
		metricsHandler = middleware.BasicAuth(cfg.MetricsUser, cfg.MetricsPasswordHash)(metricsHandler)
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.JWTSecret != "" {
			v1.Use(middleware.JWTAuth(cfg.JWTSecret))
		} else {
			log.Println("Warning: JWT_SECRET is empty, control routes are not authenticated")
		}
		v1.With(middleware.ValidateRequest).Post("/channel", handler.Invoke)
		v1.Route("/session", func(s chi.Router) {
			s.With(middleware.ValidateRequest).Post("/start", handler.Start)
			s.Post("/stop", handler.Stop)
			s.Get("/status", handler.GetStatus)
			s.Get("/status/stream", handler.StatusStream)
			s.Get("/history", handler.ListHistory)
		})
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown на сигналы ОС
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Println("Shutdown signal received, starting graceful shutdown")
		shutdown(server, controller)
	}()

	log.Printf("Server running on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func shutdown(server *http.Server, controller *service.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Контейнер не должен пережить процесс
	if err := controller.Stop(ctx); err != nil && !errors.Is(err, session.ErrNotActive) {
		log.Printf("Session stop on shutdown failed: %v", err)
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
