package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
	"github.com/SimplyPrint/srix-agent/internal/reader"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// ConfirmPrompt is sent to the client for every confirmation the engine needs. The client
// answers with a confirm_response carrying the same PromptID.
type ConfirmPrompt struct {
	PromptID string `json:"promptId"`
	Prompt   string `json:"prompt"`
}

// ConfirmResponse answers a ConfirmPrompt.
type ConfirmResponse struct {
	PromptID string `json:"promptId"`
	Accepted bool   `json:"accepted"`
}

// ProgressEvent is sent once per block during read_tag and write_dump.
type ProgressEvent struct {
	Phase   core.Phase `json:"phase"`
	Address uint16     `json:"address"`
	Data    string     `json:"data"`
	Label   string     `json:"label"`
	Done    int        `json:"done"`
	Total   int        `json:"total"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server

	ctx       context.Context // cancelled when the client goes away
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan bool // open confirmation prompts by prompt ID
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's main loop. It disconnects every client when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client
					go client.close()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends an event to every connected client.
func (h *WSHub) Broadcast(msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	msg, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
	select {
	case h.broadcast <- msg:
	case <-h.stopped:
	case <-time.After(time.Second):
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) add(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *WSHub) remove(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     s.hub,
		server:  s,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan bool),
	}

	if !s.hub.add(client) {
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// close disconnects the client and aborts its running operation.
func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "confirm_response":
		c.handleConfirmResponse(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.server.healthInfo())
	case "devices":
		c.handleDevices(msg.ID)
	case "tag_info", "read_tag", "write_dump", "otp_reset":
		// Tag operations block on the reader and on confirmations, which arrive through this
		// read loop.
		go c.runTagOperation(msg)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) runTagOperation(msg WSMessage) {
	defer logging.RecoverAndLog("WebSocket "+msg.Type, false)

	var err error
	switch msg.Type {
	case "tag_info":
		err = c.handleTagInfo(msg.ID)
	case "read_tag":
		err = c.handleReadTag(msg.ID, msg.Payload)
	case "write_dump":
		err = c.handleWriteDump(msg.ID, msg.Payload)
	case "otp_reset":
		err = c.handleOTPReset(msg.ID)
	}
	if err == nil {
		return
	}

	if errors.Is(err, core.ErrConfirmationDeclined) {
		c.sendResponse(msg.ID, "cancelled", map[string]string{
			"reason": err.Error(),
		})
		return
	}
	logging.Warn(logging.CatWebSocket, "Tag operation failed", map[string]any{
		"type":  msg.Type,
		"error": err.Error(),
	})
	c.sendError(msg.ID, err.Error())
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.enqueue(responseBytes)
}

func (c *WSClient) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *WSClient) handleDevices(id string) {
	devices, err := reader.ListDevices(c.server.cfg.Driver)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "devices", devices)
}

func (c *WSClient) handleConfirmResponse(id string, payload json.RawMessage) {
	var resp ConfirmResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.PromptID]
	c.mu.Unlock()
	if !ok {
		c.sendError(id, "no open prompt with id "+resp.PromptID)
		return
	}
	select {
	case ch <- resp.Accepted:
	default:
	}
}

// remoteConfirmer asks the client that sent request id. A prompt left unanswered for the
// server's confirm timeout is declined.
type remoteConfirmer struct {
	c  *WSClient
	id string
}

func (c *WSClient) confirmer(id string) core.Confirmer {
	return remoteConfirmer{c: c, id: id}
}

func (rc remoteConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	c := rc.c
	promptID := uuid.NewString()
	answer := make(chan bool, 1)

	c.mu.Lock()
	c.pending[promptID] = answer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, promptID)
		c.mu.Unlock()
	}()

	c.sendResponse(rc.id, "confirm", ConfirmPrompt{PromptID: promptID, Prompt: prompt})

	timer := time.NewTimer(c.server.confirmTimeout)
	defer timer.Stop()

	select {
	case ok := <-answer:
		logging.Info(logging.CatWebSocket, "Remote confirmation answered", map[string]any{
			"prompt":   prompt,
			"accepted": ok,
		})
		return ok, nil
	case <-timer.C:
		logging.Warn(logging.CatWebSocket, "Remote confirmation timed out", map[string]any{
			"prompt": prompt,
		})
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *WSClient) progress(id string) core.ProgressCallback {
	return func(p core.Progress) {
		c.sendResponse(id, "progress", ProgressEvent{
			Phase:   p.Phase,
			Address: uint16(p.Address),
			Data:    fmt.Sprintf("%08X", p.Block.Word()),
			Label:   p.Label,
			Done:    p.Done,
			Total:   p.Total,
		})
	}
}

func (c *WSClient) handleTagInfo(id string) error {
	return c.server.withSession(c.ctx, func(sess *core.Session) error {
		info, err := sess.ReadTagInfo(c.ctx)
		if err != nil {
			return err
		}
		c.sendResponse(id, "tag_info", newTagInfoResponse(info))
		return nil
	})
}

func (c *WSClient) handleReadTag(id string, payload json.RawMessage) error {
	var req struct {
		Progress bool `json:"progress"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return errors.New("invalid payload")
		}
	}

	var opts []core.Option
	if req.Progress {
		opts = append(opts, core.WithProgressCallback(c.progress(id)))
	}
	return c.server.withSession(c.ctx, func(sess *core.Session) error {
		img, err := sess.ReadImage(c.ctx)
		if err != nil {
			return err
		}
		resp := newDumpResponse(img)
		resp.Data = img.Bytes()
		c.sendResponse(id, "dump", resp)
		return nil
	}, opts...)
}

func (c *WSClient) handleWriteDump(id string, payload json.RawMessage) error {
	var req struct {
		Data   []byte `json:"data"` // base64
		Format string `json:"format"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.New("invalid payload")
	}
	desired, err := decodeDump(req.Data, req.Format, c.server.profile)
	if err != nil {
		return err
	}

	return c.server.withSession(c.ctx, func(sess *core.Session) error {
		res, err := sess.WriteImage(c.ctx, desired)
		if err != nil {
			return err
		}
		c.sendResponse(id, "write_result", res)

		if res.Outcome == core.OutcomeWritten {
			event := map[string]interface{}{"blocks": res.Applied.Len()}
			if uid, err := sess.ReadUID(c.ctx); err == nil {
				event["uid"] = uid.Hex()
			}
			go c.hub.Broadcast("tag_written", event)
		}
		return nil
	},
		core.WithConfirmer(c.confirmer(id)),
		core.WithProgressCallback(c.progress(id)),
		core.WithPreviewer(func(_ []core.WriteOp, plan *core.WritePlan) {
			c.sendResponse(id, "preview", newPlanResponse(plan))
		}),
	)
}

func (c *WSClient) handleOTPReset(id string) error {
	return c.server.withSession(c.ctx, func(sess *core.Session) error {
		res, err := sess.ResetOTP(c.ctx)
		if err != nil {
			return err
		}
		c.sendResponse(id, "otp_reset_result", res)
		return nil
	}, core.WithConfirmer(c.confirmer(id)))
}
