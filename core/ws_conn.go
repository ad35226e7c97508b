package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Media is uploaded over HTTP,
	// so frames stay small.
	maxMessageSize = 32 * 1024
)

// Conn wraps a websocket connection with buffered read and write streams.
// One read loop and one write loop run per connection; all writes to the
// peer go through the write stream so deadlines and pings are applied in a
// single goroutine.
type Conn struct {
	conn        *websocket.Conn
	context     context.Context
	writeStream chan *Event
	readStream  chan *Event
	onClose     func()
	ticker      *time.Ticker
	logger      *slog.Logger
}

type ConnOption func(*Conn)

func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = l
	}
}

func WithOnClose(f func()) ConnOption {
	return func(c *Conn) {
		c.onClose = f
	}
}

func NewConn(ctx context.Context, conn *websocket.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		conn:        conn,
		context:     ctx,
		writeStream: make(chan *Event, 64),
		readStream:  make(chan *Event, 64),
		onClose:     func() {},
		ticker:      time.NewTicker(pingPeriod),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Receive returns the stream of events decoded from the peer. The channel
// is closed when the read loop exits.
func (c *Conn) Receive() <-chan *Event {
	return c.readStream
}

// Send queues an event for the peer. Slow peers that fill the write buffer
// have events dropped rather than blocking the caller.
func (c *Conn) Send(e *Event) {
	select {
	case c.writeStream <- e:
	default:
		c.logger.Warn(fmt.Sprintf("write stream full, dropping %s", e))
	}
}

// SendError queues an error event with the given message.
func (c *Conn) SendError(message string) {
	e, err := NewEvent("error", map[string]string{"message": message})
	if err != nil {
		c.logger.Error(fmt.Sprintf("encode error event: %v", err))
		return
	}
	c.Send(e)
}

// Close sends a close frame and stops the write loop. The read loop exits
// when the peer replies or the connection drops.
func (c *Conn) Close() {
	close(c.writeStream)
}

func (c *Conn) readLoop() {
	defer func() {
		c.onClose()
		c.conn.Close()
		close(c.readStream)
		c.logger.Info("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		c.logger.Debug(event.String())

		select {
		case c.readStream <- &event:
		case <-c.context.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	var err error
	defer func() {
		c.ticker.Stop()
		if err != nil {
			c.conn.Close()
		}
		c.logger.Info("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, werr := c.conn.NextWriter(websocket.TextMessage)
			if werr != nil {
				err = werr
				c.logger.Error(fmt.Sprintf("getting next writer: %v", werr))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			w.Close()
		case <-c.context.Done():
			err = c.context.Err()
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}

// UpgradeRequest upgrades an HTTP request to a websocket connection using
// the given origin check.
func UpgradeRequest(w http.ResponseWriter, r *http.Request, checkOrigin func(*http.Request) bool) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return conn, nil
}
