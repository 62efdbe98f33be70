package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/logging"
)

// Stream frame types.
const (
	FrameWatch   = "watch"
	FrameUnwatch = "unwatch"
	FrameRead    = "read"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameState   = "state"
	FrameAck     = "ack"
	FrameError   = "error"
)

const (
	streamBufferSize  = 256
	streamReadTimeout = 5 * time.Second
)

// StreamFrame is one JSON frame on the telegram stream, in either
// direction.
//
//	{"type":"watch","id":"1","addresses":["1/2/*","3/0/7"]}
//	{"type":"read","id":"2","address":"3/0/7"}
//	{"type":"state","state":{"address":"3/0/7","value":21,...}}
type StreamFrame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Addresses []string          `json:"addresses,omitempty"`
	Address   string            `json:"address,omitempty"`
	State     *knx.StateMessage `json:"state,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ─── Address patterns ──────────────────────────────────────────────

// gaPattern matches group addresses level by level; -1 is a wildcard.
// Text forms: "*", "1/*", "1/2/*" and "1/2/3".
type gaPattern struct {
	main, middle, sub int
}

var errBadPattern = errors.New("invalid address pattern")

func parseGAPattern(s string) (gaPattern, error) {
	p := gaPattern{main: -1, middle: -1, sub: -1}
	s = strings.TrimSpace(s)
	if s == "*" {
		return p, nil
	}

	// Only the last level may be a wildcard; "1/2" is a two-level
	// address, not a pattern.
	parts := strings.Split(s, "/")
	wild := parts[len(parts)-1] == "*"
	switch {
	case len(parts) == 3:
	case len(parts) == 2 && wild:
		parts = append(parts, "*")
	default:
		return p, fmt.Errorf("%w: %q", errBadPattern, s)
	}

	// Range-check through the address parser with wildcards as zero
	concrete := make([]string, 3)
	for i, part := range parts {
		concrete[i] = part
		if part == "*" {
			if i < len(parts)-1 && parts[i+1] != "*" {
				return p, fmt.Errorf("%w: %q", errBadPattern, s)
			}
			concrete[i] = "0"
		}
	}
	ga, err := knx.ParseGroupAddress(strings.Join(concrete, "/"))
	if err != nil {
		return p, fmt.Errorf("%w: %q", errBadPattern, s)
	}

	if parts[0] != "*" {
		p.main = int(ga.Main)
	}
	if parts[1] != "*" {
		p.middle = int(ga.Middle)
	}
	if parts[2] != "*" {
		p.sub = int(ga.Sub)
	}
	return p, nil
}

func (p gaPattern) matches(ga knx.GroupAddress) bool {
	return (p.main < 0 || p.main == int(ga.Main)) &&
		(p.middle < 0 || p.middle == int(ga.Middle)) &&
		(p.sub < 0 || p.sub == int(ga.Sub))
}

func (p gaPattern) String() string {
	switch {
	case p.main < 0:
		return "*"
	case p.middle < 0:
		return fmt.Sprintf("%d/*", p.main)
	case p.sub < 0:
		return fmt.Sprintf("%d/%d/*", p.main, p.middle)
	default:
		return fmt.Sprintf("%d/%d/%d", p.main, p.middle, p.sub)
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

// Hub fans decoded state changes out to stream clients.
type Hub struct {
	logger  *logging.Logger
	read    func(ctx context.Context, ga knx.GroupAddress) error
	dropped atomic.Uint64

	mu      sync.RWMutex
	clients map[*StreamClient]struct{}
}

// NewHub creates a hub. read serves "read" frames and may be nil.
func NewHub(logger *logging.Logger, read func(ctx context.Context, ga knx.GroupAddress) error) *Hub {
	return &Hub{
		logger:  logger,
		read:    read,
		clients: make(map[*StreamClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (h *Hub) add(c *StreamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", n)
}

// remove is idempotent; only the call that finds the client closes out.
func (h *Hub) remove(c *StreamClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.out)
		h.logger.Debug("stream client disconnected", "clients", n)
	}
}

// Publish sends msg to every client watching its address. Frames for a
// client whose buffer is full are dropped and counted.
func (h *Hub) Publish(msg knx.StateMessage) {
	ga, err := knx.ParseGroupAddress(msg.Address)
	if err != nil {
		return
	}
	data, err := json.Marshal(StreamFrame{Type: FrameState, State: &msg})
	if err != nil {
		h.logger.Error("failed to marshal state frame", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.watching(ga) && !c.offer(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many state frames slow clients missed.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ─── Client ────────────────────────────────────────────────────────

// StreamClient is one WebSocket connection.
type StreamClient struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu      sync.RWMutex
	watches map[gaPattern]struct{}
}

func newStreamClient(hub *Hub, conn *websocket.Conn, patterns []gaPattern) *StreamClient {
	c := &StreamClient{
		hub:     hub,
		conn:    conn,
		out:     make(chan []byte, streamBufferSize),
		watches: make(map[gaPattern]struct{}, len(patterns)),
	}
	for _, p := range patterns {
		c.watches[p] = struct{}{}
	}
	return c
}

func (c *StreamClient) watching(ga knx.GroupAddress) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := range c.watches {
		if p.matches(ga) {
			return true
		}
	}
	return false
}

// offer queues data without blocking. Callers hold the hub read lock, so
// out cannot be closed underneath.
func (c *StreamClient) offer(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// reply queues a control frame. It takes the hub lock so it cannot race
// with remove closing out.
func (c *StreamClient) reply(frame StreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; ok {
		c.offer(data)
	}
}

func (c *StreamClient) fail(id string, err error) {
	c.reply(StreamFrame{Type: FrameError, ID: id, Error: err.Error()})
}

// handle processes one control frame from the client.
func (c *StreamClient) handle(ctx context.Context, data []byte) {
	var in StreamFrame
	if err := json.Unmarshal(data, &in); err != nil {
		c.fail("", errors.New("invalid JSON frame"))
		return
	}

	switch in.Type {
	case FrameWatch, FrameUnwatch:
		patterns, err := parseGAPatterns(in.Addresses)
		if err != nil {
			c.fail(in.ID, err)
			return
		}
		c.mu.Lock()
		for _, p := range patterns {
			if in.Type == FrameWatch {
				c.watches[p] = struct{}{}
			} else {
				delete(c.watches, p)
			}
		}
		c.mu.Unlock()
		c.reply(StreamFrame{Type: FrameAck, ID: in.ID, Addresses: c.watchList()})

	case FrameRead:
		if c.hub.read == nil {
			c.fail(in.ID, errors.New("reads are not available"))
			return
		}
		ga, err := knx.ParseGroupAddress(in.Address)
		if err != nil {
			c.fail(in.ID, err)
			return
		}
		readCtx, cancel := context.WithTimeout(ctx, streamReadTimeout)
		defer cancel()
		if err := c.hub.read(readCtx, ga); err != nil {
			c.fail(in.ID, err)
			return
		}
		c.reply(StreamFrame{Type: FrameAck, ID: in.ID, Address: ga.String()})

	case FramePing:
		c.reply(StreamFrame{Type: FramePong, ID: in.ID})

	default:
		c.fail(in.ID, fmt.Errorf("unknown frame type %q", in.Type))
	}
}

func (c *StreamClient) watchList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]string, 0, len(c.watches))
	for p := range c.watches {
		list = append(list, p.String())
	}
	return list
}

func parseGAPatterns(texts []string) ([]gaPattern, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no addresses given", errBadPattern)
	}
	patterns := make([]gaPattern, 0, len(texts))
	for _, t := range texts {
		p, err := parseGAPattern(t)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// ─── Handler and pumps ─────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS middleware decides
	},
}

// handleWebSocket upgrades to the telegram stream. ?watch= (repeatable)
// sets the initial patterns; without it the client sees every address.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	initial := r.URL.Query()["watch"]
	if len(initial) == 0 {
		initial = []string{"*"}
	}
	patterns, err := parseGAPatterns(initial)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newStreamClient(s.hub, conn, patterns)
	s.hub.add(client)

	go client.writeLoop(s.wsCfg)
	go client.readLoop(s.wsCfg)
}

func (c *StreamClient) readLoop(cfg config.WebSocketConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.remove(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend("") //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read error", "error", err)
			}
			return
		}
		// Browsers that ignore protocol pings stay alive by sending frames
		extend("") //nolint:errcheck // read error surfaces next loop
		c.handle(ctx, data)
	}
}

func (c *StreamClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error surfaces below
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
