package user

import (
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// GetMe returns the caller's profile. Callers with no account row (the
// anonymous identity planted when auth is disabled) get a synthetic profile
// instead of an error so clients never have to special-case open mode.
func (h *Handler) GetMe(c *fiber.Ctx) error {
	token := c.Locals("user").(*jwt.Token)
	claims := token.Claims.(jwt.MapClaims)
	userID, _ := uuid.Parse(claims["sub"].(string))

	u, err := h.repo.ByID(userID)
	if err != nil {
		return c.JSON(fiber.Map{
			"id":    userID,
			"email": "",
			"name":  "anonymous",
		})
	}

	return c.JSON(fiber.Map{
		"id":        u.ID,
		"email":     u.Email,
		"name":      u.Name,
		"avatarUrl": u.AvatarURL,
		"createdAt": u.CreatedAt,
	})
}
