package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/macro"
	"github.com/user/macroremote/internal/metrics"
)

const defaultBatchInterval = 100 * time.Millisecond

// CommandHandler executes panel commands against the macro session.
type CommandHandler interface {
	Execute(id string) bool
	Stop() bool
	Toggle(id string) bool
	Refresh() bool
	Reorder(from, to int) error
	Save() bool
	Revert()
}

// Hub fans session state out to browser clients and feeds their commands
// back into the session. The last catalog and connection frames are
// replayed to every client that joins.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan []byte
	token        string
	logger       *slog.Logger
	mu           sync.RWMutex
	coalescer    *Coalescer
	batchEnabled atomic.Bool
	running      atomic.Bool

	stateMu    sync.RWMutex
	session    *macro.Session
	commands   CommandHandler
	catalog    []byte
	connection []byte
	address    string

	onConnect    func(address string)
	onSendFailed func(command string)
}

type clientRegistration struct {
	client  *Client
	initial [][]byte
}

// New creates a hub. An empty token disables the ?token= check.
func New(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
		token:      token,
		logger:     logger,
	}
	h.batchEnabled.Store(true)
	h.coalescer = NewCoalescer(defaultBatchInterval, func(_ string, data []byte) {
		h.sendBroadcast(data)
	})
	return h
}

func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.coalescer.FlushAll()
			// Pumps stop on ctx; send channels stay open for in-flight replies.
			h.mu.Lock()
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			metrics.ObservePanelClients(0)
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			count := len(h.clients)
			h.mu.Unlock()
			for _, frame := range reg.initial {
				select {
				case reg.client.send <- frame:
				default:
				}
			}
			go reg.client.writePump(ctx)
			go reg.client.readPump(ctx)
			metrics.ObservePanelClients(count)
			h.logger.Info("panel client connected", "client_id", reg.client.id, "total", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.ObservePanelClients(count)
			h.logger.Info("panel client disconnected", "client_id", client.id, "total", count)

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("panel client send buffer full, dropping message", "client_id", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Query().Get("token") != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", "error", err)
		return
	}

	client := newClient(ws, h)
	select {
	case h.register <- &clientRegistration{client: client, initial: h.initialFrames()}:
	default:
		h.logger.Warn("hub not accepting connections")
		ws.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// initialFrames is the connection state followed by the current catalog.
func (h *Hub) initialFrames() [][]byte {
	h.stateMu.RLock()
	session := h.session
	frames := [][]byte{}
	if h.connection != nil {
		frames = append(frames, h.connection)
	}
	catalog := h.catalog
	h.stateMu.RUnlock()

	// The cached frame is dropped on disconnect; while it exists the session
	// holds fresher run flags.
	if catalog != nil && session != nil && session.Loaded() {
		if data, err := marshalCatalog(session.Macros(), session.AnyRunning(), session.Dirty()); err == nil {
			catalog = data
		}
	}
	if catalog != nil {
		frames = append(frames, catalog)
	}
	return frames
}

// Watch routes the session hooks to panel clients and panel commands to
// the session. It replaces any hooks already installed on s.
func (h *Hub) Watch(s *macro.Session) {
	h.stateMu.Lock()
	h.session = s
	h.commands = s
	h.stateMu.Unlock()

	s.OnCatalog(func(macros []macro.Macro) {
		h.BroadcastCatalog(macros, s.AnyRunning(), s.Dirty())
	})
	s.OnStateChange(h.BroadcastState)
	s.OnNotice(h.BroadcastNotice)
	s.OnAccessDenied(func() {
		h.BroadcastNotice("Access denied by server")
	})
}

func (h *Hub) SetOnConnect(fn func(address string)) {
	h.stateMu.Lock()
	h.onConnect = fn
	h.stateMu.Unlock()
}

// SetOnSendFailed is called when execute, stop, toggle or save could not be
// delivered. The owner is expected to end the session.
func (h *Hub) SetOnSendFailed(fn func(command string)) {
	h.stateMu.Lock()
	h.onSendFailed = fn
	h.stateMu.Unlock()
}

func marshalCatalog(macros []macro.Macro, anyRunning, dirty bool) ([]byte, error) {
	return json.Marshal(CatalogMessage{
		Type:       typeCatalog,
		Macros:     macroInfos(macros),
		AnyRunning: anyRunning,
		Dirty:      dirty,
	})
}

func (h *Hub) BroadcastCatalog(macros []macro.Macro, anyRunning, dirty bool) {
	data, err := marshalCatalog(macros, anyRunning, dirty)
	if err != nil {
		h.logger.Error("error marshaling catalog message", "error", err)
		return
	}
	h.stateMu.Lock()
	h.catalog = data
	h.stateMu.Unlock()
	h.publish(typeCatalog, data)
}

func (h *Hub) BroadcastState(id string, running bool) {
	data, err := json.Marshal(StateMessage{Type: typeState, MacroID: id, Running: running})
	if err != nil {
		h.logger.Error("error marshaling state message", "error", err)
		return
	}
	h.publish(typeState+":"+id, data)
}

// BroadcastConnection flushes pending catalog and state frames before the
// connection frame so clients never see them after a disconnect.
func (h *Hub) BroadcastConnection(state conn.State, address string, reason error) {
	msg := ConnectionMessage{Type: typeConnection, State: state.String(), Address: address}
	if reason != nil {
		msg.Reason = reason.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("error marshaling connection message", "error", err)
		return
	}
	h.stateMu.Lock()
	h.connection = data
	h.address = address
	if state != conn.StateConnected {
		h.catalog = nil
	}
	h.stateMu.Unlock()

	h.coalescer.FlushAll()
	h.sendBroadcast(data)
}

func (h *Hub) BroadcastNotice(message string) {
	data, err := json.Marshal(NoticeMessage{Type: typeNotice, Message: message})
	if err != nil {
		h.logger.Error("error marshaling notice message", "error", err)
		return
	}
	h.sendBroadcast(data)
}

// HandleDisconnect lets the hub subscribe to connection teardowns. A
// replaced connection is followed by a fresh connected frame, so it is not
// announced.
func (h *Hub) HandleDisconnect(reason error) {
	if errors.Is(reason, conn.ErrReplaced) {
		return
	}
	h.stateMu.RLock()
	address := h.address
	h.stateMu.RUnlock()
	h.BroadcastConnection(conn.StateDisconnected, address, reason)
}

func (h *Hub) publish(key string, data []byte) {
	if h.batchEnabled.Load() {
		h.coalescer.Add(key, data)
		return
	}
	h.sendBroadcast(data)
}

func (h *Hub) sendBroadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: typeError, Message: message})
	if err != nil {
		h.logger.Error("error marshaling error message", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) handleCommand(c *Client, msg ClientMessage) {
	h.stateMu.RLock()
	commands := h.commands
	onConnect := h.onConnect
	onSendFailed := h.onSendFailed
	h.stateMu.RUnlock()

	if msg.Type == cmdConnect {
		address := strings.TrimSpace(msg.Address)
		if onConnect == nil {
			h.SendError(c, "connect is not supported by this panel")
			return
		}
		if address == "" {
			h.SendError(c, "address is required")
			return
		}
		metrics.ObservePanelCommand(msg.Type)
		onConnect(address)
		return
	}
	if commands == nil {
		h.SendError(c, "no macro session attached")
		return
	}

	ok := true
	switch msg.Type {
	case cmdExecute, cmdToggle:
		if msg.MacroID == "" {
			h.SendError(c, "macro_id is required")
			return
		}
		if msg.Type == cmdExecute {
			ok = commands.Execute(msg.MacroID)
		} else {
			ok = commands.Toggle(msg.MacroID)
		}
	case cmdStop:
		ok = commands.Stop()
	case cmdSave:
		ok = commands.Save()
	case cmdRefresh:
		if !commands.Refresh() {
			h.SendError(c, "not connected")
		}
	case cmdReorder:
		if msg.From == nil || msg.To == nil {
			h.SendError(c, "from and to are required")
			return
		}
		if err := commands.Reorder(*msg.From, *msg.To); err != nil {
			h.SendError(c, err.Error())
			return
		}
	case cmdRevert:
		commands.Revert()
	default:
		h.SendError(c, "unknown message type: "+msg.Type)
		return
	}
	metrics.ObservePanelCommand(msg.Type)

	if !ok {
		h.logger.Warn("panel command could not be sent", "command", msg.Type, "client_id", c.id)
		h.BroadcastNotice("Error: lost connection to server")
		if onSendFailed != nil {
			onSendFailed(msg.Type)
		}
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
