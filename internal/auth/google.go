package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"github.com/coderelay/server/internal/user"
)

// pendingTokens holds tokens from completed OAuth flows, keyed by a one-time
// code embedded in the success redirect. The desktop client picks them up via
// postMessage from the success page.
var (
	pendingTokens   = make(map[string]*TokenPair)
	pendingTokensMu sync.Mutex
)

type GoogleHandler struct {
	oauthConfig *oauth2.Config
	userRepo    *user.Repository
	db          *gorm.DB
	secret      string
}

type googleUserInfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func NewGoogleHandler(clientID, clientSecret, redirectURL string, userRepo *user.Repository, db *gorm.DB, secret string) *GoogleHandler {
	return &GoogleHandler{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userRepo: userRepo,
		db:       db,
		secret:   secret,
	}
}

func (h *GoogleHandler) RedirectToGoogle(c *fiber.Ctx) error {
	url := h.oauthConfig.AuthCodeURL("state", oauth2.AccessTypeOffline)
	return c.Redirect(url)
}

func (h *GoogleHandler) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing code"})
	}

	token, err := h.oauthConfig.Exchange(context.Background(), code)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "failed to exchange code"})
	}

	client := h.oauthConfig.Client(context.Background(), token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to get user info"})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to parse user info"})
	}

	u, err := h.userRepo.ByGoogleID(info.ID)
	if err != nil {
		// An existing password account with the same email gets linked
		// rather than duplicated.
		u, err = h.userRepo.ByEmail(normalizeEmail(info.Email))
		if err != nil {
			u = &user.User{
				Email:     normalizeEmail(info.Email),
				Name:      info.Name,
				GoogleID:  info.ID,
				AvatarURL: info.Picture,
			}
			if err := h.userRepo.Create(u); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create user"})
			}
		}
	}

	tokens, err := GenerateTokenPair(u.ID, h.secret, h.db)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to generate tokens"})
	}
	h.userRepo.TouchLogin(u.ID)

	pickup := uuid.NewString()
	pendingTokensMu.Lock()
	pendingTokens[pickup] = tokens
	pendingTokensMu.Unlock()

	return c.Redirect(fmt.Sprintf("/api/auth/google/complete?code=%s", pickup))
}

// Complete shows a success page after Google OAuth login and hands the token
// pair to the opener window.
func (h *GoogleHandler) Complete(c *fiber.Ctx) error {
	pickup := c.Query("code")

	pendingTokensMu.Lock()
	tokens, ok := pendingTokens[pickup]
	if ok {
		delete(pendingTokens, pickup)
	}
	pendingTokensMu.Unlock()

	if !ok {
		c.Set("Content-Type", "text/html")
		return c.SendString(`<!DOCTYPE html><html><body style="background:#1e1e2e;color:#cdd6f4;font-family:system-ui;display:flex;align-items:center;justify-content:center;height:100vh;margin:0"><h2>Login expired. Please try again.</h2></body></html>`)
	}

	c.Set("Content-Type", "text/html")
	return c.SendString(fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>Login Successful</title></head>
<body style="background:#1e1e2e;color:#cdd6f4;font-family:system-ui;display:flex;align-items:center;justify-content:center;height:100vh;margin:0">
<div style="text-align:center">
<h2 style="color:#a6e3a1">Login successful!</h2>
<p>You can close this tab and return to the app.</p>
</div>
<script>
window.opener && window.opener.postMessage({type:'coderelay-auth',accessToken:'%s',refreshToken:'%s'},'*');
</script>
</body></html>`,
		tokens.AccessToken, tokens.RefreshToken))
}
