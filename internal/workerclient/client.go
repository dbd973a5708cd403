package workerclient

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderelay/server/internal/orchestrator"
	"github.com/coderelay/server/internal/protocol"
)

// Config wires one worker daemon to its relay.
type Config struct {
	RelayURL          string // ws(s) endpoint of the relay's machine socket
	Token             string // machine token; empty only against open-mode relays
	MachineID         string
	Hostname          string
	Version           string
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func (c *Config) fill() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
}

// Client maintains the worker's persistent connection to the relay and
// bridges frames to the orchestrator.
type Client struct {
	cfg  Config
	orch *orchestrator.Orchestrator

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func New(cfg Config, orch *orchestrator.Orchestrator) *Client {
	cfg.fill()
	return &Client{cfg: cfg, orch: orch}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after every drop.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("workerclient: connection lost: %v (retry in %s)", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
		if err == nil {
			backoff = c.cfg.ReconnectMin
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.send(protocol.TypeRegister, protocol.RegisterPayload{
		MachineID: c.cfg.MachineID,
		Hostname:  c.cfg.Hostname,
		Version:   c.cfg.Version,
		Backends:  c.orch.Backends().Declare(),
		Sessions:  c.orch.Summaries(),
	}); err != nil {
		return err
	}

	unsubs := []func(){
		c.orch.OnSessionEvent(func(ev protocol.SessionEventPayload) {
			ev.MachineID = c.cfg.MachineID
			c.forward(protocol.TypeSessionEvent, ev)
		}),
		c.orch.OnPermissionRequest(func(p protocol.PermissionRequestPayload) {
			c.forward(protocol.TypePermissionReq, p)
		}),
		c.orch.OnPermissionResult(func(p protocol.PermissionResultPayload) {
			c.forward(protocol.TypePermissionResult, p)
		}),
		c.orch.OnSessionsChanged(func(p protocol.SessionsChangedPayload) {
			c.forward(protocol.TypeSessionsChanged, p)
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("workerclient: malformed frame from relay: %v", err)
			continue
		}
		c.handleFrame(ctx, env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(protocol.TypeHeartbeat, struct{}{}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, env protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeRegistered:
		var ack protocol.RegisteredPayload
		if err := protocol.Decode(env, &ack); err == nil {
			if ack.UserID != "" {
				log.Printf("workerclient: registered as machine %s for user %s", ack.MachineID, ack.UserID)
			} else {
				log.Printf("workerclient: registered as machine %s (open mode)", ack.MachineID)
			}
		}
	case env.Type == protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.Decode(env, &p); err == nil {
			log.Printf("workerclient: relay error %s: %s", p.Code, p.Message)
		}
	case protocol.IsRPCOp(env.Type):
		var req protocol.RPCRequest
		if err := protocol.Decode(env, &req); err != nil {
			log.Printf("workerclient: malformed rpc request: %v", err)
			return
		}
		if err := req.Validate(); err != nil {
			log.Printf("workerclient: malformed rpc request: %v", err)
			return
		}
		// Operations run concurrently; a long prompt must not block cancel.
		go c.dispatch(ctx, env.Type, req)
	default:
		log.Printf("workerclient: unknown frame type %q", env.Type)
	}
}

// forward pushes one orchestrator event to the relay, dropping it if the
// connection is down; the registry resyncs from the register frame on
// reconnect.
func (c *Client) forward(frameType string, payload any) {
	if err := c.send(frameType, payload); err != nil {
		log.Printf("workerclient: forward %s: %v", frameType, err)
	}
}

func (c *Client) send(frameType string, payload any) error {
	env, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
