package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chronicle/sync/internal/clock"
	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/protocol"
	"chronicle/sync/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20

	DefaultSendQueue = 256
)

type ServerOptions struct {
	// SendQueue is the number of outbound messages buffered per connection
	// before the connection is dropped as a slow consumer.
	SendQueue int
	// AllowedOrigin is "*" or the single Origin accepted on upgrade.
	AllowedOrigin string
	Clock         clock.Clock
}

// Server upgrades HTTP requests to WebSocket connections and runs a
// Session for each one.
type Server struct {
	reg      *collab.Registry
	upgrader websocket.Upgrader
	queue    int
	clock    clock.Clock

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewServer(reg *collab.Registry, opts ServerOptions) *Server {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	origin := opts.AllowedOrigin
	return &Server{
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if origin == "" || origin == "*" {
					return true
				}
				return r.Header.Get("Origin") == origin
			},
		},
		queue: opts.SendQueue,
		clock: opts.Clock,
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP handles GET /sync?codec=json|cbor.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync: upgrade failed: %v", err)
		return
	}

	id := util.NewID("conn")
	conn := newConn(id, ws, codec, s.queue)
	session := NewSession(id, s.reg, conn)
	s.track(conn, true)
	defer s.track(conn, false)

	log.Printf("sync: %s connected codec=%s remote=%s", session.ID(), codec.Name(), r.RemoteAddr)
	go conn.writePump(s.clock)
	conn.readPump(session)
	log.Printf("sync: %s disconnected", session.ID())
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll disconnects every open connection.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.shutdown()
	}
}

func (s *Server) track(conn *Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Conn is one WebSocket connection. Send is safe for concurrent use and
// never blocks.
type Conn struct {
	id        string
	ws        *websocket.Conn
	codec     protocol.Codec
	frameType int
	send      chan []byte

	once sync.Once
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn, codec protocol.Codec, queue int) *Conn {
	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	return &Conn{
		id:        id,
		ws:        ws,
		codec:     codec,
		frameType: frameType,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

// Send queues msg. A connection whose queue is full is closed; the client
// reconnects and resynchronizes through the handshake.
func (c *Conn) Send(msg protocol.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		log.Printf("sync: encode %s: %v", msg.Kind, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("sync: send queue full for %s, closing", c.id)
		c.shutdown()
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readPump(session *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		session.Close()
		c.shutdown()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("sync: read from %s: %v", session.ID(), err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := c.codec.Decode(data)
		if err != nil {
			log.Printf("sync: undecodable frame from %s: %v", session.ID(), err)
			c.Send(protocol.Fail("", protocol.CodeInvalidMessage, "message could not be decoded"))
			continue
		}
		session.Handle(ctx, msg)
	}
}

func (c *Conn) writePump(clk clock.Clock) {
	ticker := clk.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.frameType, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
