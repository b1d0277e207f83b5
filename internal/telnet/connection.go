package telnet

import (
	"io"
	"net"
	"sync"

	"github.com/ibrahmsql/vspc/internal/logger"
)

// SubnegotiationHandler is invoked whenever the peer sends an IAC SB
// <option> ... IAC SE sequence for an option this Connection has
// registered a handler for. The handler may write a reply via Conn.
type SubnegotiationHandler func(conn *Connection, data []byte) error

// Connection decodes and encodes the Telnet wire protocol over a raw
// net.Conn: IAC escaping, Q-method option negotiation, and per-option
// subnegotiation dispatch. Plain data bytes are handed to the caller via
// Read; negotiation and subnegotiation traffic is handled internally and
// never surfaces as data.
type Connection struct {
	conn       net.Conn
	scanner    *Scanner
	negotiator *Negotiator

	mu       sync.Mutex
	handlers map[byte]SubnegotiationHandler

	pending  []byte // decoded data bytes not yet returned to the caller
	frameErr error  // set once a protocol-fatal framing violation is seen
}

// NewConnection wraps conn with Telnet framing. accept, if non-nil,
// decides whether to agree to peer-initiated option negotiation; see
// NewNegotiator.
func NewConnection(conn net.Conn, accept func(option byte, us bool) bool) *Connection {
	return &Connection{
		conn:       conn,
		scanner:    NewScanner(),
		negotiator: NewNegotiator(accept),
		handlers:   make(map[byte]SubnegotiationHandler),
	}
}

// HandleSubnegotiation registers the handler invoked for subnegotiations
// of option.
func (c *Connection) HandleSubnegotiation(option byte, handler SubnegotiationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[option] = handler
}

// NegotiateUs requests that our side of option be enabled or disabled.
func (c *Connection) NegotiateUs(option byte, enable bool) error {
	if out := c.negotiator.RequestUs(option, enable); out != nil {
		_, err := c.conn.Write(out)
		return err
	}
	return nil
}

// NegotiateThem requests that the peer's side of option be enabled or
// disabled.
func (c *Connection) NegotiateThem(option byte, enable bool) error {
	if out := c.negotiator.RequestThem(option, enable); out != nil {
		_, err := c.conn.Write(out)
		return err
	}
	return nil
}

// SendSubnegotiation writes an IAC SB <option> <data> IAC SE sequence.
func (c *Connection) SendSubnegotiation(option byte, data []byte) error {
	_, err := c.conn.Write(EncodeSubnegotiation(option, data))
	return err
}

// WriteData writes plain data bytes, escaping any literal IAC. The
// returned count is the number of bytes of p consumed, not the (larger)
// number of wire bytes written once IAC escaping is applied.
func (c *Connection) WriteData(p []byte) (int, error) {
	if _, err := c.conn.Write(EncodeData(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns decoded plain data bytes. Negotiation and subnegotiation
// events are consumed and handled internally; Read blocks on the
// underlying connection until at least one data byte is available or an
// error occurs.
func (c *Connection) Read(p []byte) (int, error) {
	for len(c.pending) == 0 && c.frameErr == nil {
		raw := make([]byte, 4096)
		n, err := c.conn.Read(raw)
		if n > 0 {
			events := c.scanner.Feed(raw[:n])
			for _, ev := range events {
				c.handleEvent(ev)
			}
		}
		if err != nil {
			if len(c.pending) > 0 {
				break
			}
			return 0, err
		}
	}

	if len(c.pending) == 0 && c.frameErr != nil {
		return 0, c.frameErr
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Connection) handleEvent(ev Event) {
	switch ev.Type {
	case EventData:
		c.pending = append(c.pending, ev.Data...)

	case EventNegotiation:
		if out := c.negotiator.ReceiveNegotiation(ev.Command, ev.Option); out != nil {
			if _, err := c.conn.Write(out); err != nil {
				logger.Debug("telnet: negotiation reply write failed: %v", err)
			}
		}

	case EventSubnegotiation:
		c.mu.Lock()
		handler := c.handlers[ev.Option]
		c.mu.Unlock()
		if handler == nil {
			logger.Debug("telnet: unhandled subnegotiation for option %d", ev.Option)
			return
		}
		if err := handler(c, ev.Data); err != nil {
			logger.Warn("telnet: subnegotiation handler for option %d failed: %v", ev.Option, err)
		}

	case EventCommand:
		logger.Debug("telnet: received bare command %d", ev.Command)

	case EventFrameError:
		logger.WarnWithFields("telnet: protocol framing error, closing connection", map[string]interface{}{"error": ev.Err.Error()})
		c.frameErr = ev.Err
		if err := c.conn.Close(); err != nil {
			logger.Debug("telnet: error closing connection after frame error: %v", err)
		}
	}
}

// Write writes plain data, equivalent to WriteData.
func (c *Connection) Write(p []byte) (int, error) {
	return c.WriteData(p)
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

var _ io.ReadWriteCloser = (*Connection)(nil)
