package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nyroxsystems/partsync/wire"
)

// sendBuffer - outgoing frames per connection. A peer that cannot drain
// this while broadcasts continue is dropped as a slow client.
const sendBuffer = 256

const writeWait = 10 * time.Second

// conn - relay-side state for one websocket peer. The read pump processes
// messages in arrival order; the write pump preserves broadcast order. The
// out channel is never closed: done signals shutdown so that concurrent
// broadcasters can never hit a closed channel.
type conn struct {
	id             string
	name           string
	ws             *websocket.Conn
	out            chan wire.Envelope
	done           chan struct{}
	relay          *Relay
	connectedSince int64
	lastActivity   atomic.Int64
	closeOnce      sync.Once
}

// handleWS upgrades an incoming connection, checks the project token and
// starts the pumps. clientName is supplied as a query parameter.
func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	if r.opts.Token != "" && req.URL.Query().Get("token") != r.opts.Token {
		r.logger.Warnf("Rejected connection from %s: bad token", req.RemoteAddr)
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	name := req.URL.Query().Get("clientName")
	if name == "" {
		name = "unknown"
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorf("Upgrade failed for %s: %v", req.RemoteAddr, err)
		return
	}
	c := &conn{
		id:             uuid.NewString(),
		name:           name,
		ws:             ws,
		out:            make(chan wire.Envelope, sendBuffer),
		done:           make(chan struct{}),
		relay:          r,
		connectedSince: wire.Now(),
	}
	c.lastActivity.Store(c.connectedSince)
	r.register(c)
	go c.writePump()
	go c.readPump()
}

func (c *conn) info() wire.ClientInfo {
	return wire.ClientInfo{
		ConnectionID:   c.id,
		DisplayName:    c.name,
		ConnectedSince: c.connectedSince,
		LastActivity:   c.lastActivity.Load(),
	}
}

// send enqueues an envelope without blocking the dispatcher. A full buffer
// means the peer has stopped draining; it is closed rather than allowed to
// stall broadcasts to everyone else.
func (c *conn) send(env wire.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- env:
	default:
		c.relay.logger.Warnf("Dropping slow client %s (%s): send buffer full", c.name, c.id)
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		c.relay.disconnect(c)
	}()
	c.ws.SetReadLimit(wire.MaxPayload)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.relay.logger.Debugf("Read error from %s: %v", c.name, err)
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.relay.logger.Warnf("Malformed message from %s ignored: %v", c.name, err)
			continue
		}
		c.lastActivity.Store(wire.Now())
		c.relay.dispatch(c, env)
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.relay.logger.Debugf("Write error to %s: %v", c.name, err)
				c.close()
				return
			}
		}
	}
}
