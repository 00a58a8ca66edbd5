package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/roomsync/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Client is one websocket subscriber to the active session's events. The UI
// only listens; commands go through the HTTP endpoints.
type Client struct {
	conn     *websocket.Conn
	app      *App
	log      logrus.FieldLogger
	send     chan session.Event
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, app *App, l logrus.FieldLogger) *Client {
	return &Client{
		conn: conn,
		app:  app,
		log:  l.WithField("remote", conn.RemoteAddr().String()),
		send: make(chan session.Event, sendBuffer),
		stop: make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case ev := <-c.send:
			bytes, err := json.Marshal(ev)
			if err != nil {
				c.log.WithError(err).Error("failed to serialize event")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read only services control frames and notices the peer going away.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.app.deregister(c)
		c.stopClient()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("ws: read")
			}
			return
		}
	}
}

func (c *Client) queueEvent(ev session.Event) bool {
	select {
	case c.send <- ev:
	default:
		c.log.WithField("kind", ev.Kind).Warn("failed to send event to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.WithError(err).Warn("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
