// backend-sim runs a local transcription backend that greets, asks scripted
// questions and ends the interview, for developing without the real service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/backendsim"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	delay := flag.Duration("delay", 400*time.Millisecond, "Interviewer think time before each response")
	flag.Parse()

	if env := os.Getenv("PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil {
			*port = p
		}
	}
	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	cfg := backendsim.DefaultConfig()
	cfg.ResponseDelay = *delay
	cfg.Logger = log.L()
	sim := backendsim.New(cfg)

	app := fiber.New(fiber.Config{
		AppName:               "backend-sim",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if *debug {
		app.Use(logger.New())
	}

	sim.RegisterRoutes(app)
	sim.RegisterAPIRoutes(app.Group("/api"))
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": sim.SessionCount()})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	addr := fmt.Sprintf(":%d", *port)
	log.Info("backend simulator listening", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
