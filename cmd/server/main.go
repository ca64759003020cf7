package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/paylink/internal/config"
	"github.com/example/paylink/internal/database"
	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/handlers"
	"github.com/example/paylink/internal/routes"
	"github.com/example/paylink/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	if err := handlers.EnsureAdminUser(db, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatalf("failed to seed admin user: %v", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		MerchantID: cfg.GatewayMerchantID,
		SecretKey:  cfg.GatewaySecretKey,
		ReturnURL:  cfg.ReturnURL,
	})

	notifier := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	activator := services.NewWebhookActivator(cfg.EntitlementURL)
	activation := services.NewActivationService(db, activator, notifier)
	engine := services.NewReconcileService(db, gw, activation)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := services.NewReaper(db, engine, cfg.PaymentTTL, cfg.ReaperInterval)
	go reaper.Run(ctx)

	poller := services.NewPoller(db, engine, cfg.PollInterval, cfg.PollMinAge)
	go poller.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName: "Paylink Coordinator",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, engine, notifier)

	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		_ = app.Shutdown()
	}()

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
