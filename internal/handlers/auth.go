package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/paylink/internal/config"
	"github.com/example/paylink/internal/models"
	"github.com/example/paylink/internal/utils"
)

// AuthHandler issues operator tokens for the ops endpoints.
type AuthHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config) *AuthHandler {
	return &AuthHandler{db: db, cfg: cfg}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges the operator credential for a JWT.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var admin models.AdminUser
	if err := h.db.WithContext(c.Context()).Where("username = ?", req.Username).First(&admin).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	if !utils.CheckPassword(admin.PasswordHash, req.Password) {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, admin.ID, h.cfg.TokenExpires)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"token": token})
}

// EnsureAdminUser seeds the operator credential from configuration. An
// existing row keeps its password unless the configured one changed.
func EnsureAdminUser(db *gorm.DB, username, password string) error {
	if username == "" || password == "" {
		log.Println("[Auth] admin credential not configured, ops endpoints unreachable")
		return nil
	}

	var admin models.AdminUser
	err := db.Where("username = ?", username).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, herr := utils.HashPassword(password)
		if herr != nil {
			return herr
		}
		return db.Create(&models.AdminUser{Username: username, PasswordHash: hash}).Error
	}
	if err != nil {
		return err
	}

	if !utils.CheckPassword(admin.PasswordHash, password) {
		hash, herr := utils.HashPassword(password)
		if herr != nil {
			return herr
		}
		return db.Model(&admin).Update("password_hash", hash).Error
	}

	return nil
}
