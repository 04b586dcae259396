// Package transport carries sync-channel messages between replicas and the
// owner: a websocket server in front of an owner.Registry, a reconnecting
// client, and an in-process pipe.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jqknono/general-settings-ui/internal/auth"
	"github.com/jqknono/general-settings-ui/internal/owner"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var errSendBuffer = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one websocket connection bound to a document. It is the
// binding's peer.
type Conn struct {
	conn    *websocket.Conn
	doc     string
	binding *owner.Binding
	send    chan []byte

	once   sync.Once
	closed chan struct{}
	// code is the close frame sent once the queue is drained.
	code int
}

// Send queues m for the write pump. A client too slow to keep up is
// disconnected with a retryable close code rather than stalling the binding
// or missing a message; it reconnects and starts a new session.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		glog.Warningf("[ws] %s: send buffer full, closing slow client", c.doc)
		c.closeWith(websocket.CloseTryAgainLater)
		return errSendBuffer
	}
}

func (c *Conn) Close() error {
	c.closeWith(websocket.CloseNormalClosure)
	return nil
}

func (c *Conn) closeWith(code int) {
	c.once.Do(func() {
		c.code = code
		close(c.closed)
	})
}

// Hub keeps the set of live connections.
type Hub struct {
	clients    map[*Conn]bool
	register   chan *Conn
	unregister chan *Conn
	broadcast  chan protocol.Message
	count      chan chan int
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan protocol.Message),
		count:      make(chan chan int),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			glog.Infof("[ws] client registered for %s. Total clients: %d", c.doc, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
				glog.Infof("[ws] client unregistered from %s. Total clients: %d", c.doc, len(h.clients))
			}
		case m := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(m); err != nil {
					glog.Warningf("[ws] broadcast to %s: %v", c.doc, err)
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case <-h.quit:
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			return
		}
	}
}

// Broadcast sends m to every connection, e.g. a shutdown notice.
func (h *Hub) Broadcast(m protocol.Message) {
	select {
	case h.broadcast <- m:
	case <-h.quit:
	}
}

func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}

type Server struct {
	Registry  *owner.Registry
	Hub       *Hub
	Tokens    *auth.Tokens
	Retriever schema.Retriever
}

// Router serves /ws/{doc}, /schemas and /healthz. The document URI in the
// path is percent-encoded.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc:.+}", s.serveWs)
	r.HandleFunc("/schemas", s.serveSchemas).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	doc, err := url.PathUnescape(mux.Vars(r)["doc"])
	if err != nil {
		http.Error(w, "bad document uri", http.StatusBadRequest)
		return
	}
	if s.Tokens != nil {
		if _, err := s.Tokens.Verify(r.URL.Query().Get("token"), doc); err != nil {
			glog.Warningf("[ws] refused %s: %v", doc, err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	binding, err := s.Registry.Open(r.Context(), doc)
	if err != nil {
		glog.Errorf("[ws] %v", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade: %v", err)
		return
	}
	glog.Infof("[ws] new connection for document: %s", doc)
	c := &Conn{
		conn:    ws,
		doc:     doc,
		binding: binding,
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
	select {
	case s.Hub.register <- c:
	case <-s.Hub.quit:
		ws.Close()
		return
	}
	binding.Attach(c)
	go c.writePump()
	go c.readPump(s.Hub)
}

func (c *Conn) readPump(hub *Hub) {
	defer func() {
		c.binding.Detach(c)
		select {
		case hub.unregister <- c:
		case <-hub.quit:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("[ws] %s: client disconnected: %v", c.doc, err)
			}
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[ws] %s: error decoding message: %v", c.doc, err)
			continue
		}
		c.binding.Deliver(c, m)
	}
}

// writePump drains queued messages after Close so a final showError still
// reaches a replaced client.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.code, ""))
					return
				}
			}
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (s *Server) serveSchemas(w http.ResponseWriter, r *http.Request) {
	if s.Retriever == nil {
		writeJSON(w, http.StatusOK, []protocol.SchemaInfo{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	infos, err := s.Retriever.SearchSchemas(ctx, r.URL.Query().Get("q"))
	if err != nil {
		glog.Warningf("[ws] schema search: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if infos == nil {
		infos = []protocol.SchemaInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

type health struct {
	Status   string                `json:"status"`
	Clients  int                   `json:"clients"`
	Bindings []owner.StatsSnapshot `json:"bindings"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health{
		Status:   "ok",
		Clients:  s.Hub.Count(),
		Bindings: s.Registry.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("[ws] write response: %v", err)
	}
}
