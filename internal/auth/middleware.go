package auth

import (
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AnonymousUserID is the fixed identity REST requests run as when auth is
// disabled.
var AnonymousUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func JWTMiddleware(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{Key: []byte(secret)},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		},
	})
}

// OpenModeMiddleware stands in for the JWT middleware when auth is disabled.
// It plants a token with the anonymous subject so handlers read the same
// locals either way.
func OpenModeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": AnonymousUserID.String(),
		})
		c.Locals("user", token)
		return c.Next()
	}
}
