package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	writeWait        = 5 * time.Second
	shutdownWait     = 2 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan interface{}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// monitorServer exposes the controller's cached status over HTTP and pushes
// every accepted status message to websocket clients. It never publishes.
type monitorServer struct {
	ctrl     *controllerState
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

func newMonitorServer(ctrl *controllerState) *monitorServer {
	m := &monitorServer{
		ctrl:    ctrl,
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	ctrl.onStatus(m.broadcast)
	return m
}

func (m *monitorServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/telemetry", m.handleTelemetry)
	mux.HandleFunc("/api/status", m.handleStatus)
	mux.HandleFunc("/ws", m.handleWS)
	return mux
}

// serve listens on addr until ctx is done.
func (m *monitorServer) serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("[INFO] monitor listening on http://%s", ln.Addr())

	srv := &http.Server{Handler: m.handler(), ReadHeaderTimeout: writeWait}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		m.closeClients()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (m *monitorServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tlm, ok := m.ctrl.cachedTelemetry()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no telemetry received yet"})
		return
	}
	writeJSON(w, http.StatusOK, tlm)
}

func (m *monitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, m.ctrl.cachedStatus())
}

func (m *monitorServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] monitor: upgrade: %s", err)
		return
	}

	// seed the client with whatever is cached before anyone else can close it
	client := &wsClient{conn: conn, send: make(chan interface{}, clientSendBuffer)}
	for topic, msg := range m.ctrl.cachedStatus() {
		select {
		case client.send <- statusEvent{Topic: topic, Time: time.Now(), Message: msg}:
		default:
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.clients[client] = true
	m.mu.Unlock()
	log.Printf("[DEBUG] monitor: client %s connected", conn.RemoteAddr())

	go client.writePump()

	defer m.drop(client)

	// clients only ever read; anything they send is discarded
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *monitorServer) drop(c *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clients[c] {
		delete(m.clients, c)
		close(c.send)
		log.Printf("[DEBUG] monitor: client %s disconnected", c.conn.RemoteAddr())
	}
}

func (m *monitorServer) closeClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
}

// broadcast runs on the bus delivery goroutine, so slow clients lose messages
// instead of stalling it.
func (m *monitorServer) broadcast(ev statusEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for c := range m.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}
