package machine

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coderelay/server/internal/registry"
	"github.com/coderelay/server/internal/relay"
)

// TokenIssuer mints a machine token bound to a user.
type TokenIssuer func(userID uuid.UUID) (string, error)

type Handler struct {
	repo     *Repository
	registry *registry.Registry
	relay    *relay.Relay
	issue    TokenIssuer
}

func NewHandler(repo *Repository, reg *registry.Registry, r *relay.Relay, issue TokenIssuer) *Handler {
	return &Handler{repo: repo, registry: reg, relay: r, issue: issue}
}

func getUserID(c *fiber.Ctx) uuid.UUID {
	token := c.Locals("user").(*jwtlib.Token)
	claims := token.Claims.(jwtlib.MapClaims)
	id, _ := uuid.Parse(claims["sub"].(string))
	return id
}

// List returns the caller's machines, merging persisted rows with live
// registry state.
func (h *Handler) List(c *fiber.Ctx) error {
	userID := getUserID(c)
	machines, err := h.repo.FindByUserID(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list machines"})
	}

	live := make(map[string]int)
	for _, rec := range h.registry.WorkersForUser(userID) {
		live[rec.MachineID] = len(rec.Sessions)
	}

	result := make([]fiber.Map, len(machines))
	for i, m := range machines {
		sessions, connected := live[m.MachineID]
		result[i] = fiber.Map{
			"machineId":    m.MachineID,
			"hostname":     m.Hostname,
			"version":      m.Version,
			"online":       connected,
			"sessionCount": sessions,
			"lastSeenAt":   m.LastSeenAt,
		}
	}
	return c.JSON(result)
}

// IssueToken mints a machine token the worker daemon presents on its
// websocket connection.
func (h *Handler) IssueToken(c *fiber.Ctx) error {
	userID := getUserID(c)
	token, err := h.issue(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to issue token"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"token": token})
}

// Discover asks a connected machine for its resumable sessions.
func (h *Handler) Discover(c *fiber.Ctx) error {
	userID := getUserID(c)
	machineID := c.Params("id")

	res, err := h.relay.DiscoverSessions(c.Context(), userID, machineID)
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

// Delete removes a machine row. Ownership check mirrors the registry's
// generic not-found behavior.
func (h *Handler) Delete(c *fiber.Ctx) error {
	userID := getUserID(c)
	machineID := c.Params("id")

	m, err := h.repo.FindByID(machineID)
	if err != nil || m.UserID == nil || *m.UserID != userID {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load machine"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}

	if err := h.repo.Delete(machineID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete machine"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
