// Package observer implements the subscriber-facing listener: a WebSocket
// endpoint where an admin/monitoring client subscribes to one VM's serial
// stream by vm_uuid or vm_name, receives its bytes, and may send bytes
// back (§4.6, §6: "subscribe by vm_uuid or by vm_name, receive serial
// bytes, send bytes back" — the wire protocol beyond that is out of
// scope).
package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ibrahmsql/vspc/internal/fanout"
	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/ibrahmsql/vspc/internal/metrics"
	"github.com/ibrahmsql/vspc/internal/session"
)

// Config holds the observer WebSocket server's tuning knobs.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	QueueBytes      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the observer's default tuning, modeled on the
// teacher's WebSocket defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingPeriod:      54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  1 << 20,
		QueueBytes:      1 << 20,
		// Same secure-by-default posture as the teacher: reject every
		// origin until the deployment configures one explicitly.
		CheckOrigin: func(r *http.Request) bool { return false },
	}
}

// subscribeRequest is the one control message a client must send
// immediately after connecting.
type subscribeRequest struct {
	VMUUID string `json:"vm_uuid,omitempty"`
	VMName string `json:"vm_name,omitempty"`
}

// Server accepts subscriber WebSocket connections and binds each to a
// Session looked up in sessions.
type Server struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
	cfg      *Config
	sessions *session.Manager
}

// NewServer creates an observer Server bound to sessions. cfg may be nil
// to use DefaultConfig.
func NewServer(sessions *session.Manager, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg:      cfg,
		sessions: sessions,
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// subscribe/deliver/forward lifecycle until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnWithFields("observer: upgrade failed", map[string]interface{}{"error": err.Error(), "remote_addr": r.RemoteAddr})
		return
	}

	id := fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano())
	c := &client{
		id:     id,
		conn:   conn,
		server: s,
	}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	c.run()

	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// ConnectionCount returns the number of currently attached observer
// clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes every attached client connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.close()
	}
}

// client is one subscriber WebSocket connection: it waits for a single
// subscribe control message, binds to the named Session as a subscriber,
// then delegates the bidirectional pump to a fanout.Sink built over this
// connection's framing.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	once   sync.Once

	transport *wsTransport
	sink      *fanout.Sink
	sess      *session.Session
}

func (c *client) run() {
	defer c.close()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
		return nil
	})

	if !c.awaitSubscribe() {
		return
	}

	metrics.GetGlobalMetrics().IncrementSubscribersActive()
	defer metrics.GetGlobalMetrics().DecrementSubscribersActive()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop()
	}()

	if err := c.sink.Run(); err != nil {
		if errors.Is(err, fanout.ErrQueueOverflow) {
			metrics.GetGlobalMetrics().IncrementSubscriberOverflowDisconnects()
		}
		logger.Debug("observer: subscriber %s disconnected: %v", c.id, err)
	}
	<-pingDone
}

// pingLoop sends periodic WebSocket pings, serialized against the sink's
// data writes through the shared transport's write mutex. It exits once a
// ping fails, which happens once the transport closes.
func (c *client) pingLoop() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.transport.writePing(); err != nil {
			return
		}
	}
}

// awaitSubscribe blocks for the client's first message, which must name a
// vm_uuid or vm_name, and binds c.sess accordingly. Returns false if the
// handshake fails or the connection closes first.
func (c *client) awaitSubscribe() bool {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}

	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Debug("observer: malformed subscribe request: %v", err)
		c.conn.WriteJSON(map[string]string{"error": "malformed subscribe request"})
		return false
	}

	var sess *session.Session
	var ok bool
	switch {
	case req.VMUUID != "":
		sess, ok = c.server.sessions.Get(req.VMUUID)
	case req.VMName != "":
		sess, ok = c.server.sessions.GetByName(req.VMName)
	}
	if !ok {
		c.conn.WriteJSON(map[string]string{"error": "no such session"})
		return false
	}

	c.sess = sess
	c.transport = &wsTransport{conn: c.conn, writeWait: c.server.cfg.WriteWait}
	c.sink = fanout.NewSink(c.id, c.transport, c.server.cfg.QueueBytes, func(p []byte) {
		metrics.GetGlobalMetrics().AddBytesToVM(int64(len(p)))
		sess.WriteToActive(p)
	})
	sess.AddSubscriber(c.sink.Queue())
	return true
}

func (c *client) close() {
	c.once.Do(func() {
		if c.sink != nil {
			c.sink.Close()
		} else {
			c.conn.Close()
		}
		if c.sess != nil {
			c.sess.RemoveSubscriber(c.id)
		}
	})
}

// wsTransport adapts a *websocket.Conn to fanout.Transport: Write sends a
// binary frame, Read returns one data frame's payload per call (control
// frames are absorbed), and writes are serialized under mu since gorilla's
// Conn forbids concurrent writers. writePing shares the same lock so a
// pump write and a keepalive ping never race on the wire.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu sync.Mutex

	readMu  sync.Mutex
	readBuf []byte
}

func (t *wsTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	metrics.GetGlobalMetrics().AddBytesFromVM(int64(len(p)))
	return len(p), nil
}

func (t *wsTransport) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	for len(t.readBuf) == 0 {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		t.readBuf = data
	}
	n := copy(p, t.readBuf)
	t.readBuf = t.readBuf[n:]
	return n, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) writePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}
