package session

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relay"
	"github.com/coderelay/server/internal/relayerr"
)

type Handler struct {
	repo  *Repository
	relay *relay.Relay
}

func NewHandler(repo *Repository, r *relay.Relay) *Handler {
	return &Handler{repo: repo, relay: r}
}

type createRequest struct {
	MachineID string `json:"machineId"`
	Cwd       string `json:"cwd"`
	Title     string `json:"title"`
	BackendID string `json:"backendId"`
}

type resolvePermissionRequest struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId"`
}

type bulkArchiveRequest struct {
	SessionIDs []string `json:"sessionIds"`
}

func getUserID(c *fiber.Ctx) uuid.UUID {
	token := c.Locals("user").(*jwtlib.Token)
	claims := token.Claims.(jwtlib.MapClaims)
	id, _ := uuid.Parse(claims["sub"].(string))
	return id
}

func respondRelayError(c *fiber.Ctx, err error) error {
	w := relayerr.ToWire(err)
	return c.Status(relayerr.HTTPStatus(w.Kind)).JSON(fiber.Map{
		"error":     w.Message,
		"kind":      w.Kind,
		"retryable": w.Retryable,
	})
}

// List merges live summaries from connected workers with persisted rows, so
// sessions on offline machines still show up.
func (h *Handler) List(c *fiber.Ctx) error {
	userID := getUserID(c)

	live := make(map[string]bool)
	result := make([]fiber.Map, 0)
	for _, rec := range h.relay.Registry().WorkersForUser(userID) {
		for _, s := range rec.Sessions {
			live[s.SessionID] = true
			result = append(result, liveSessionJSON(rec.MachineID, s))
		}
	}

	rows, err := h.repo.FindByUserID(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list sessions"})
	}
	for _, row := range rows {
		if live[row.SessionID] {
			continue
		}
		result = append(result, fiber.Map{
			"sessionId": row.SessionID,
			"machineId": row.MachineID,
			"backendId": row.BackendID,
			"title":     row.Title,
			"cwd":       row.Cwd,
			"state":     string(row.Status),
			"online":    false,
			"createdAt": row.CreatedAt,
			"updatedAt": row.UpdatedAt,
		})
	}
	return c.JSON(result)
}

func liveSessionJSON(machineID string, s protocol.SessionSummary) fiber.Map {
	m := fiber.Map{
		"sessionId": s.SessionID,
		"machineId": machineID,
		"backendId": s.BackendID,
		"title":     s.Title,
		"cwd":       s.Cwd,
		"state":     s.State,
		"modeId":    s.ModeID,
		"modelId":   s.ModelID,
		"online":    true,
		"createdAt": s.CreatedAt,
		"updatedAt": s.UpdatedAt,
	}
	if s.Error != nil {
		m["error"] = s.Error
	}
	return m
}

func (h *Handler) Create(c *fiber.Ctx) error {
	userID := getUserID(c)

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.MachineID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "machineId is required"})
	}

	summary, err := h.relay.CreateSession(c.Context(), userID, req.MachineID, protocol.CreateSessionParams{
		Cwd:       req.Cwd,
		Title:     req.Title,
		BackendID: req.BackendID,
	})
	if err != nil {
		return respondRelayError(c, err)
	}

	if err := h.repo.Upsert(&userID, req.MachineID, *summary); err != nil {
		log.Printf("session: persist %s: %v", summary.SessionID, err)
	}
	return c.Status(fiber.StatusCreated).JSON(summary)
}

func (h *Handler) Get(c *fiber.Ctx) error {
	userID := getUserID(c)
	sessionID := c.Params("id")

	for _, rec := range h.relay.Registry().WorkersForUser(userID) {
		for _, s := range rec.Sessions {
			if s.SessionID == sessionID {
				return c.JSON(liveSessionJSON(rec.MachineID, s))
			}
		}
	}

	row, err := h.repo.FindByID(sessionID)
	if err != nil || row.UserID == nil || *row.UserID != userID {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load session"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	return c.JSON(fiber.Map{
		"sessionId": row.SessionID,
		"machineId": row.MachineID,
		"backendId": row.BackendID,
		"title":     row.Title,
		"cwd":       row.Cwd,
		"state":     string(row.Status),
		"online":    false,
		"createdAt": row.CreatedAt,
		"updatedAt": row.UpdatedAt,
	})
}

// Delete closes the live session and marks the row closed.
func (h *Handler) Delete(c *fiber.Ctx) error {
	userID := getUserID(c)
	sessionID := c.Params("id")

	if err := h.relay.CloseSession(c.Context(), userID, sessionID); err != nil {
		return respondRelayError(c, err)
	}
	if err := h.repo.SetStatus(sessionID, StatusClosed); err != nil {
		log.Printf("session: mark closed %s: %v", sessionID, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Cancel(c *fiber.Ctx) error {
	userID := getUserID(c)
	if err := h.relay.CancelSession(c.Context(), userID, c.Params("id")); err != nil {
		return respondRelayError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) Archive(c *fiber.Ctx) error {
	userID := getUserID(c)
	sessionID := c.Params("id")

	if err := h.relay.ArchiveSession(c.Context(), userID, sessionID); err != nil {
		return respondRelayError(c, err)
	}
	if err := h.repo.SetStatus(sessionID, StatusArchived); err != nil {
		log.Printf("session: mark archived %s: %v", sessionID, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// BulkArchive archives the named sessions, or every live session of the
// caller when the body lists none. Partial failure still reports the count
// that succeeded.
func (h *Handler) BulkArchive(c *fiber.Ctx) error {
	userID := getUserID(c)

	var req bulkArchiveRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	ids := req.SessionIDs
	if len(ids) == 0 {
		for _, s := range h.relay.Registry().SessionsForUser(userID) {
			ids = append(ids, s.SessionID)
		}
	}
	if len(ids) == 0 {
		return c.JSON(fiber.Map{"archived": 0})
	}

	out, err := h.relay.BulkArchiveSessions(c.Context(), userID, ids)
	if err != nil {
		return respondRelayError(c, err)
	}
	// Only ids whose worker group settled get mirrored; a failed group's
	// sessions are still live and must keep their persisted status.
	for _, id := range out.Settled {
		if err := h.repo.SetStatus(id, StatusArchived); err != nil {
			log.Printf("session: mark archived %s: %v", id, err)
		}
	}
	return c.JSON(fiber.Map{"archived": out.Archived})
}

func (h *Handler) SetMode(c *fiber.Ctx) error {
	userID := getUserID(c)
	var body struct {
		ModeID string `json:"modeId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	summary, err := h.relay.SetSessionMode(c.Context(), userID, c.Params("id"), body.ModeID)
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(summary)
}

func (h *Handler) SetModel(c *fiber.Ctx) error {
	userID := getUserID(c)
	var body struct {
		ModelID string `json:"modelId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	summary, err := h.relay.SetSessionModel(c.Context(), userID, c.Params("id"), body.ModelID)
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(summary)
}

func (h *Handler) SendMessage(c *fiber.Ctx) error {
	userID := getUserID(c)
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	res, err := h.relay.SendMessage(c.Context(), userID, protocol.SendMessageParams{
		SessionID: c.Params("id"),
		Content:   body.Content,
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) ResolvePermission(c *fiber.Ctx) error {
	userID := getUserID(c)
	var req resolvePermissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	err := h.relay.ResolvePermission(c.Context(), userID, protocol.ResolvePermissionParams{
		SessionID: c.Params("id"),
		RequestID: c.Params("requestId"),
		Outcome:   req.Outcome,
		OptionID:  req.OptionID,
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Events pages the session history out of the relay-side event log.
func (h *Handler) Events(c *fiber.Ctx) error {
	userID := getUserID(c)

	revision, _ := strconv.Atoi(c.Query("revision", "0"))
	afterSeq, _ := strconv.Atoi(c.Query("afterSeq", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "0"))

	res, err := h.relay.Backfill(userID, protocol.BackfillRequest{
		SessionID: c.Params("id"),
		Revision:  revision,
		AfterSeq:  afterSeq,
		Limit:     limit,
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) FSList(c *fiber.Ctx) error {
	userID := getUserID(c)
	res, err := h.relay.FSList(c.Context(), userID, protocol.FSPathParams{
		SessionID: c.Params("id"),
		Path:      c.Query("path", "."),
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) FSRead(c *fiber.Ctx) error {
	userID := getUserID(c)
	res, err := h.relay.FSRead(c.Context(), userID, protocol.FSPathParams{
		SessionID: c.Params("id"),
		Path:      c.Query("path"),
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) GitStatus(c *fiber.Ctx) error {
	userID := getUserID(c)
	res, err := h.relay.GitStatus(c.Context(), userID, protocol.GitParams{
		SessionID: c.Params("id"),
		Path:      c.Query("path"),
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) GitDiff(c *fiber.Ctx) error {
	userID := getUserID(c)
	res, err := h.relay.GitDiff(c.Context(), userID, protocol.GitParams{
		SessionID: c.Params("id"),
		Path:      c.Query("path"),
	})
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(res)
}

func (h *Handler) Load(c *fiber.Ctx) error {
	userID := getUserID(c)
	summary, err := h.relay.LoadSession(c.Context(), userID, c.Params("id"))
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(summary)
}

func (h *Handler) Reload(c *fiber.Ctx) error {
	userID := getUserID(c)
	summary, err := h.relay.ReloadSession(c.Context(), userID, c.Params("id"))
	if err != nil {
		return respondRelayError(c, err)
	}
	return c.JSON(summary)
}
