// Package web exposes a session to browser dashboards over a websocket:
// clients receive snapshots and readings and send scan/connect commands.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/obd"
	"github.com/fixit/obdlink/internal/session"
)

// Controller is the part of the session the hub drives.
type Controller interface {
	Scan(ctx context.Context)
	StopScan()
	ConnectByID(ctx context.Context, id, customPayload string) (ble.Device, error)
	Disconnect()
	EnableTestMode() ble.Device
	DisableTestMode()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Event, func())
}

// Envelope is every frame on the socket, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectCommand struct {
	ID      string `json:"id"`
	Payload string `json:"json,omitempty"`
}

type testModeCommand struct {
	Enabled bool `json:"enabled"`
}

// Result acknowledges a command.
type Result struct {
	Command string      `json:"command"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Device  *ble.Device `json:"device,omitempty"`
}

// MessagePayload is pushed for each decoded reading.
type MessagePayload struct {
	Device   ble.Device    `json:"device"`
	Raw      string        `json:"raw"`
	Reading  obd.Formatted `json:"reading"`
	Repaired bool          `json:"repaired"`
	At       time.Time     `json:"at"`
}

// Hub tracks connected dashboards and fans session events out to them.
type Hub struct {
	ctrl     Controller
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (c *client) send(msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("web: marshal %s: %w", msgType, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(Envelope{Type: msgType, Payload: payload})
}

// NewHub creates a hub for ctrl.
func NewHub(ctrl Controller) *Hub {
	return &Hub{
		ctrl:     ctrl,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request, sends the current snapshot and then
// handles commands until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WEB] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("[WEB] client connected", "remote", conn.RemoteAddr())

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
		slog.Info("[WEB] client disconnected", "remote", conn.RemoteAddr())
	}()

	if err := c.send("snapshot", h.ctrl.Snapshot()); err != nil {
		return
	}
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		res := h.handle(r.Context(), env)
		if err := c.send("result", res); err != nil {
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, env Envelope) Result {
	res := Result{Command: env.Type, OK: true}
	fail := func(err error) Result {
		res.OK = false
		res.Error = err.Error()
		return res
	}

	switch env.Type {
	case "scan":
		h.ctrl.Scan(ctx)
	case "stopScan":
		h.ctrl.StopScan()
	case "connect":
		var cmd connectCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return fail(fmt.Errorf("web: bad connect payload: %w", err))
		}
		dev, err := h.ctrl.ConnectByID(ctx, cmd.ID, cmd.Payload)
		if err != nil {
			return fail(err)
		}
		res.Device = &dev
	case "disconnect":
		h.ctrl.Disconnect()
	case "testMode":
		var cmd testModeCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return fail(fmt.Errorf("web: bad testMode payload: %w", err))
		}
		if cmd.Enabled {
			dev := h.ctrl.EnableTestMode()
			res.Device = &dev
		} else {
			h.ctrl.DisableTestMode()
		}
	default:
		return fail(errors.New("web: unknown command"))
	}
	return res
}

// Run forwards session events to every client until ctx is done. Each
// event is followed by a fresh snapshot.
func (h *Hub) Run(ctx context.Context) {
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventMessage:
				h.broadcast("message", MessagePayload{
					Device:   ev.Device,
					Raw:      ev.Raw,
					Reading:  obd.Format(ev.Message),
					Repaired: ev.Repaired,
					At:       ev.At,
				})
			case session.EventError:
				h.broadcast("error", map[string]string{"error": ev.Err})
			}
			h.broadcast("snapshot", h.ctrl.Snapshot())
		}
	}
}

func (h *Hub) broadcast(msgType string, v any) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msgType, v); err != nil {
			slog.Debug("[WEB] dropping client", "remote", c.conn.RemoteAddr(), "error", err)
			c.conn.Close()
		}
	}
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ListenAndServe serves the hub at /ws on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[WEB] listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web: serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	slog.Info("[WEB] server stopped")
	return nil
}
