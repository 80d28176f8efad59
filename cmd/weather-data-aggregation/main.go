package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/i474232898/weather-data-aggregation/internal/api/http"
	"github.com/i474232898/weather-data-aggregation/internal/config"
	"github.com/i474232898/weather-data-aggregation/internal/dispatcher"
	"github.com/i474232898/weather-data-aggregation/internal/observability"
	"github.com/i474232898/weather-data-aggregation/internal/replica"
	"github.com/i474232898/weather-data-aggregation/internal/scheduler"
	"github.com/i474232898/weather-data-aggregation/internal/store"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metrics := observability.NewMetrics()

	// One record store shared by every replica, so failover keeps the data.
	records := store.New(store.Options{
		Dir:    cfg.DataDir,
		Expiry: cfg.ExpiryWindow,
	})

	// Scheduler that periodically sweeps expired producers.
	sched := scheduler.New(cfg.SweepInterval, records, metrics)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	replicas := make([]dispatcher.Replica, 0, len(cfg.ReplicaAddrs))
	for i, addr := range cfg.ReplicaAddrs {
		node := replica.New(replica.Config{
			ID:            fmt.Sprintf("replica-%d", i+1),
			Addr:          addr,
			Expiry:        cfg.ExpiryWindow,
			AcceptTimeout: cfg.AcceptTimeout,
			ConnTimeout:   cfg.ConnTimeout,
		}, records, metrics)
		if err := node.Start(); err != nil {
			log.Fatalf("failed to start replica: %v", err)
		}
		replicas = append(replicas, node)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		Addr:          cfg.DispatcherAddr,
		AcceptTimeout: cfg.AcceptTimeout,
		Prober:        dispatcher.TCPProber{Timeout: cfg.ProbeTimeout},
		ProbeTimeout:  cfg.ProbeTimeout,
	}, replicas, metrics)
	if err != nil {
		log.Fatalf("failed to create dispatcher: %v", err)
	}
	if err := disp.Start(); err != nil {
		log.Fatalf("failed to start dispatcher: %v", err)
	}

	// Admin app configuration
	app := fiber.New(fiber.Config{
		AppName:               "weather-data-aggregation",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, disp, records)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Listen(cfg.AdminAddr); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("INFO: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
		if err := disp.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown: %v", errs)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
	}
}
