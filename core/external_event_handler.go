package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

const DefaultObserverAddr = "127.0.0.1:19304"

// WireEvent is the JSON envelope used on the WebSocket connection.
//
//	{"id": "<event id>", "payload": { /* event-specific fields */ }}
type WireEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ExternalEventHandler is a local WebSocket server that lets a UI watch a
// session and drive it.
//
//   - IExternalOutputEvent packets are serialised as WireEvent and broadcast
//     to every connected client.
//
//   - Incoming WireEvent messages are decoded with a registered factory and
//     handed to the input sink.
type ExternalEventHandler struct {
	logger *Logger
	addr   string

	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex

	inputRegistry map[string]func() IExternalInputEvent
	registryMu    sync.RWMutex

	sinkMu sync.RWMutex
	sink   func(*EventPacket)
}

func NewExternalEventHandler(addr string, logger *Logger) *ExternalEventHandler {
	if logger == nil {
		logger = GetLogger()
	}
	if addr == "" {
		addr = DefaultObserverAddr
	}
	return &ExternalEventHandler{
		logger:        logger.With(map[string]interface{}{"component": "observer"}),
		addr:          addr,
		clients:       make(map[*websocket.Conn]*sync.Mutex),
		inputRegistry: make(map[string]func() IExternalInputEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnInput sets where decoded input events go.
func (e *ExternalEventHandler) OnInput(sink func(*EventPacket)) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sink = sink
}

// Serve listens until ctx is cancelled.
func (e *ExternalEventHandler) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	return e.ServeListener(ctx, ln)
}

func (e *ExternalEventHandler) ServeListener(ctx context.Context, ln net.Listener) error {
	server := &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		e.closeClients()
	}()

	e.logger.Infof("ExternalEventHandler WebSocket server listening on %s", ln.Addr())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Errorf("ExternalEventHandler WebSocket server: %v", err)
		return err
	}
	return nil
}

func (e *ExternalEventHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleWS)
	return mux
}

// Broadcast serialises an IExternalOutputEvent and sends it to all clients.
func (e *ExternalEventHandler) Broadcast(packet *EventPacket) {
	ev, ok := packet.Event.(IExternalOutputEvent)
	if !ok {
		return
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		e.logger.Errorf("ExternalEventHandler: marshal output event %q: %v", ev.GetId(), err)
		return
	}
	wire, err := sonic.Marshal(WireEvent{ID: ev.GetId(), Payload: payload})
	if err != nil {
		return
	}
	e.broadcast(wire)
}

// RegisterInputEvent registers a factory for an event ID. A client message
// {"id": id, "payload": {...}} is decoded into a fresh value from the factory.
func (e *ExternalEventHandler) RegisterInputEvent(id string, factory func() IExternalInputEvent) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()
	e.inputRegistry[id] = factory
}

// SendInput hands an input event to the sink without going through the
// WebSocket layer.
func (e *ExternalEventHandler) SendInput(event IExternalInputEvent, relayer string) {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink == nil {
		e.logger.Warn("ExternalEventHandler: no input sink, dropping", "event", event.GetId())
		return
	}
	sink(NewEventPacket(event, relayer))
}

func (e *ExternalEventHandler) ClientCount() int {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()
	return len(e.clients)
}

func (e *ExternalEventHandler) broadcast(data []byte) {
	e.clientsMu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(e.clients))
	for conn, mu := range e.clients {
		conns[conn] = mu
	}
	e.clientsMu.RUnlock()

	for conn, mu := range conns {
		mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			e.logger.Errorf("ExternalEventHandler: write to client: %v", err)
		}
	}
}

func (e *ExternalEventHandler) closeClients() {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	for conn := range e.clients {
		conn.Close()
	}
}

func (e *ExternalEventHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Errorf("ExternalEventHandler: upgrade: %v", err)
		return
	}
	defer conn.Close()

	e.clientsMu.Lock()
	e.clients[conn] = &sync.Mutex{}
	e.clientsMu.Unlock()

	defer func() {
		e.clientsMu.Lock()
		delete(e.clients, conn)
		e.clientsMu.Unlock()
	}()

	e.logger.Infof("ExternalEventHandler: client connected (%s)", conn.RemoteAddr())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var wire WireEvent
		if err := sonic.Unmarshal(data, &wire); err != nil {
			e.logger.Errorf("ExternalEventHandler: unmarshal wire event: %v", err)
			continue
		}

		e.registryMu.RLock()
		factory, ok := e.inputRegistry[wire.ID]
		e.registryMu.RUnlock()
		if !ok {
			e.logger.Errorf("ExternalEventHandler: no factory registered for event id %q", wire.ID)
			continue
		}

		ev := factory()
		if len(wire.Payload) > 0 {
			if err := sonic.Unmarshal(wire.Payload, ev); err != nil {
				e.logger.Errorf("ExternalEventHandler: unmarshal payload for %q: %v", wire.ID, err)
				continue
			}
		}

		e.SendInput(ev, "external-ws")
	}
}
