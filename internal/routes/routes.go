package routes

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/example/paylink/internal/config"
	"github.com/example/paylink/internal/handlers"
	"github.com/example/paylink/internal/middleware"
	"github.com/example/paylink/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, engine *services.ReconcileService, notifier *services.TelegramService) {
	authHandler := handlers.NewAuthHandler(db, cfg)
	paymentHandler := handlers.NewPaymentHandler(db, engine, notifier)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/token", authHandler.Login)

	payments := api.Group("/payments")
	payments.Post("/checkout", paymentHandler.Checkout)
	payments.Post("/webhook", middleware.GatewayAuthMiddleware(cfg.GatewayMerchantID, cfg.GatewaySecretKey), paymentHandler.Webhook)
	payments.Get("/:id", paymentHandler.GetPayment)

	// Operator endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg))
	protected.Get("/payments", paymentHandler.ListPayments)
	protected.Get("/payments/:id/transitions", paymentHandler.ListTransitions)
}
