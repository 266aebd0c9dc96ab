package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
)

// role distinguishes the two connection kinds.
type role string

const (
	roleVoter     role = "voter"
	rolePerformer role = "performer"
)

// client is one WebSocket connection. The hub never writes to the socket
// directly; all outbound traffic goes through the buffered send channel so
// a slow peer cannot stall the broadcast path.
type client struct {
	id        string
	role      role
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	performer *consensus.Performer // set after successful auth
	log       zerolog.Logger
}

// enqueue hands a message to the write pump without blocking. A full send
// buffer means the peer is too slow; the message is dropped.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// readPump pumps messages from the connection into the hub's handlers.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxPayload)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

// writePump pumps messages from the send channel to the connection and
// keeps the connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeWait is the time allowed to write one message to the peer.
const writeWait = 10 * time.Second
