package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketChannel is a Channel over a single WebSocket connection, typically to a HostServer.
type WebSocketChannel struct {
	conn   *websocket.Conn
	format FrameFormat
	logger log.Logger
	subs   subscribers

	writeMu      sync.Mutex
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to a HostServer at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header, format FrameFormat, logger log.Logger) (*WebSocketChannel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketChannel(conn, format, logger), nil
}

// NewWebSocketChannel takes ownership of conn and starts reading from it.
func NewWebSocketChannel(conn *websocket.Conn, format FrameFormat, logger log.Logger) *WebSocketChannel {
	if logger == nil {
		logger = log.NewLogger()
	}
	c := &WebSocketChannel{
		conn:         conn,
		format:       format,
		logger:       logger,
		writeTimeout: peerWriteTimeout,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes msg as a single frame.
func (c *WebSocketChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	messageType, payload, err := encodeFrame(c.format, msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// Subscribe ...
func (c *WebSocketChannel) Subscribe(handler func(Message)) func() {
	return c.subs.add(handler)
}

// Done is closed once the connection is gone.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open or after a clean Close.
func (c *WebSocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *WebSocketChannel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	c.writeMu.Unlock()

	c.shutdown(nil)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *WebSocketChannel) readLoop() {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.shutdown(err)
			return
		}

		msg, err := decodeFrame(messageType, payload)
		if err != nil {
			c.logger.Debugf("Dropping frame: %s", err)
			continue
		}
		c.subs.deliver(msg)
	}
}

func (c *WebSocketChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
