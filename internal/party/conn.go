package party

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/crypto"
)

// Conn is an open client connection attached to a room.
type Conn interface {
	ID() string
	// Identity is the authenticated address, empty for anonymous connections.
	Identity() string
	Send(data []byte) error
	Close() error
}

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// SendJSON encodes v and sends it on c.
func SendJSON(c Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 16 << 10
	sendBuffer   = 64
)

// WSConn adapts a gorilla WebSocket to Conn. Writes go through a single
// pump goroutine; a full send buffer closes the connection.
type WSConn struct {
	id       string
	identity string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(ws *websocket.Conn, identity string, log zerolog.Logger) *WSConn {
	id := crypto.NewUUIDv7().String()
	return &WSConn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		log:      log.With().Str("conn", id).Logger(),
	}
}

func (c *WSConn) ID() string       { return c.id }
func (c *WSConn) Identity() string { return c.identity }

func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

func (c *WSConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// Serve pumps frames between the socket and the session until either side
// closes. It blocks; the session is left exactly once on return.
func (c *WSConn) Serve(s *Session) {
	go c.writePump()
	defer func() {
		c.Close()
		s.Leave()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if err := s.Message(data); err != nil {
			c.log.Warn().Err(err).Msg("frame not delivered")
			return
		}
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
