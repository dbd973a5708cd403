package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/coderelay/server/internal/protocol"
)

// MachineStore stamps worker liveness. Presence rows are maintained off the
// registry's status events; only heartbeats flow through here.
type MachineStore interface {
	Heartbeat(machineID string, at time.Time) error
}

// TokenValidator resolves a machine token to its owning user.
type TokenValidator func(token string) (*uuid.UUID, error)

// wsConn serializes writes to one worker websocket, the only state shared
// between the relay send paths and the handler.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Handler accepts worker websocket connections and dispatches their frames.
type Handler struct {
	relay    *Relay
	machines MachineStore
	validate TokenValidator
}

func NewHandler(r *Relay, machines MachineStore, validate TokenValidator) *Handler {
	return &Handler{relay: r, machines: machines, validate: validate}
}

// UpgradeMiddleware authenticates the machine token from the query string
// before the websocket upgrade. With auth disabled the token may be absent
// and the worker registers unowned.
func (h *Handler) UpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			if !h.relay.Registry().OpenMode() {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
			}
			c.Locals("machineUserID", "")
		} else {
			userID, err := h.validate(tokenStr)
			if err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
			}
			c.Locals("machineUserID", userID.String())
		}

		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// WSHandler runs one worker connection: a register frame first, then the
// frame loop until the socket drops.
func (h *Handler) WSHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		var userID *uuid.UUID
		if s, _ := c.Locals("machineUserID").(string); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				log.Printf("worker-ws: invalid user id %q", s)
				return
			}
			userID = &id
		}

		conn := &wsConn{conn: c}
		reg, ok := h.awaitRegister(c, conn, userID)
		if !ok {
			return
		}
		defer h.relay.Registry().Unregister(conn)

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Printf("worker-ws: machine %s read error: %v", reg.MachineID, err)
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("worker-ws: machine %s sent malformed frame: %v", reg.MachineID, err)
				continue
			}
			h.dispatch(conn, reg.MachineID, env)
		}
	})
}

func (h *Handler) awaitRegister(c *websocket.Conn, conn *wsConn, userID *uuid.UUID) (*protocol.RegisterPayload, bool) {
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, false
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeRegister {
		h.sendError(conn, "protocol", "expected register frame")
		return nil, false
	}
	var reg protocol.RegisterPayload
	if err := protocol.Decode(env, &reg); err != nil {
		h.sendError(conn, "protocol", "malformed register payload")
		return nil, false
	}
	if err := reg.Validate(); err != nil {
		h.sendError(conn, "validation", err.Error())
		return nil, false
	}

	h.relay.Registry().Register(conn, reg, userID)

	ack := protocol.RegisteredPayload{MachineID: reg.MachineID}
	if userID != nil {
		ack.UserID = userID.String()
	}
	if env, err := protocol.Encode(protocol.TypeRegistered, ack); err == nil {
		if err := conn.Send(env); err != nil {
			log.Printf("worker-ws: ack to %s failed: %v", reg.MachineID, err)
		}
	}
	log.Printf("worker-ws: machine %s registered (%s)", reg.MachineID, reg.Hostname)
	return &reg, true
}

func (h *Handler) dispatch(conn *wsConn, machineID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		if err := h.machines.Heartbeat(machineID, time.Now()); err != nil {
			log.Printf("worker-ws: heartbeat %s: %v", machineID, err)
		}

	case protocol.TypeRPCResponse:
		var resp protocol.RPCResponse
		if err := protocol.Decode(env, &resp); err != nil {
			log.Printf("worker-ws: machine %s bad rpc response: %v", machineID, err)
			return
		}
		if err := resp.Validate(); err != nil {
			log.Printf("worker-ws: machine %s bad rpc response: %v", machineID, err)
			return
		}
		h.relay.HandleResponse(resp)

	case protocol.TypeSessionEvent:
		var ev protocol.SessionEventPayload
		if err := protocol.Decode(env, &ev); err != nil {
			log.Printf("worker-ws: machine %s bad session event: %v", machineID, err)
			return
		}
		if ev.MachineID == "" {
			ev.MachineID = machineID
		}
		if err := ev.Validate(); err != nil {
			log.Printf("worker-ws: machine %s bad session event: %v", machineID, err)
			return
		}
		if err := h.relay.AppendEvent(ev); err != nil {
			log.Printf("worker-ws: append event for session %s: %v", ev.SessionID, err)
		}

	case protocol.TypeSessionsChanged:
		var delta protocol.SessionsChangedPayload
		if err := protocol.Decode(env, &delta); err != nil {
			log.Printf("worker-ws: machine %s bad sessions delta: %v", machineID, err)
			return
		}
		if !delta.Empty() {
			h.relay.Registry().UpdateSessionsIncremental(conn, delta)
		}

	// Permission traffic reaches clients through the session event log;
	// these frames only need a trace at the relay.
	case protocol.TypePermissionReq:
		var req protocol.PermissionRequestPayload
		if err := protocol.Decode(env, &req); err != nil {
			return
		}
		if err := req.Validate(); err != nil {
			log.Printf("worker-ws: machine %s bad permission request: %v", machineID, err)
			return
		}
		log.Printf("worker-ws: permission request %s pending on session %s", req.RequestID, req.SessionID)

	case protocol.TypePermissionResult:
		var res protocol.PermissionResultPayload
		if err := protocol.Decode(env, &res); err != nil {
			return
		}
		if err := res.Validate(); err != nil {
			log.Printf("worker-ws: machine %s bad permission result: %v", machineID, err)
			return
		}
		log.Printf("worker-ws: permission request %s on session %s resolved %s", res.RequestID, res.SessionID, res.Outcome)

	case protocol.TypeSessionAttached:
		var p protocol.SessionAttachedPayload
		if err := protocol.Decode(env, &p); err == nil {
			log.Printf("worker-ws: session %s attached on %s", p.SessionID, machineID)
		}

	case protocol.TypeSessionDetached:
		var p protocol.SessionDetachedPayload
		if err := protocol.Decode(env, &p); err == nil {
			log.Printf("worker-ws: session %s detached on %s (%s)", p.SessionID, machineID, p.Reason)
		}

	default:
		log.Printf("worker-ws: machine %s sent unknown frame type %q", machineID, env.Type)
	}
}

func (h *Handler) sendError(conn *wsConn, code, message string) {
	if env, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err == nil {
		_ = conn.Send(env)
	}
}
