package middleware

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware validates the merchant identity and shared secret
// headers on inbound gateway callbacks. It runs before the body is parsed or
// any record is looked up; a mismatch is rejected with 401.
func GatewayAuthMiddleware(merchantID, secretKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		gotMerchant := c.Get("X-MerchantId")
		gotSecret := c.Get("X-Secret")

		if !headersMatch(gotMerchant, merchantID) || !headersMatch(gotSecret, secretKey) {
			log.Printf("[Webhook] rejected callback: merchant or secret mismatch")
			return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
		}

		return c.Next()
	}
}

func headersMatch(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
