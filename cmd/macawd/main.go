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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/macawsecurity/secureAI/api"
	"github.com/macawsecurity/secureAI/attest"
	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/hub"
	"github.com/macawsecurity/secureAI/identity"
	"github.com/macawsecurity/secureAI/llmproxy"
	"github.com/macawsecurity/secureAI/metrics"
	"github.com/macawsecurity/secureAI/policy"
	"github.com/macawsecurity/secureAI/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting control plane...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LLM Upstream: %s", cfg.LLMUpstreamURL)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	policyContent := policy.DefaultPolicy
	if cfg.PolicyPath != "" {
		data, err := os.ReadFile(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to read policy: %v", err)
		}
		policyContent = string(data)
	}
	engine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	var hierarchy *policy.Hierarchy
	var reloader *policy.Reloader
	if cfg.HierarchyPath != "" {
		hierarchy, err = policy.LoadHierarchy(cfg.HierarchyPath)
		if err != nil {
			log.Fatalf("Failed to load policy hierarchy: %v", err)
		}
		reloader, err = policy.NewReloader(hierarchy)
		if err != nil {
			log.Fatalf("Failed to watch policy hierarchy: %v", err)
		}
	}

	var verifier *identity.Verifier
	if cfg.JWKSUrl != "" || cfg.JWTSecret != "" {
		verifier = identity.NewVerifier(identity.VerifierConfig{
			JWKSUrl:  cfg.JWKSUrl,
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
	} else {
		log.Printf("WARN: no JWKS URL or JWT secret configured, requests are unauthenticated")
	}

	m := metrics.New()
	streamHub := hub.NewHub()

	sweeper := attest.NewSweeper(db, streamHub, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start attestation sweeper: %v", err)
	}
	defer sweeper.Stop()

	h := api.NewHandler(db, engine, hierarchy, verifier, m, streamHub, cfg)
	llmH := llmproxy.NewHandler(cfg, db, verifier, hierarchy, m)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)
	llmH.RegisterRoutes(e)

	reloadCtx, cancelReload := context.WithCancel(ctx)
	defer cancelReload()
	if reloader != nil {
		go reloader.Run(reloadCtx)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Control plane started on port %d", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down control plane...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Control plane stopped")
}
