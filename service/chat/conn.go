package chat

import (
	"errors"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ---- 常量参数（默认值） ----
const (
	defaultSendQueue    = 256
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
)

var (
	ErrConnClosed    = errors.New("ws: connection closed")
	ErrSendQueueFull = errors.New("ws: send queue full")
)

type ConnOptions struct {
	SendQueue    int           // 每连接发送队列长度
	WriteWait    time.Duration // 单次写超时
	PingInterval time.Duration // 服务端 ping 周期
	PongWait     time.Duration // 读超时，收到 pong 或任意帧后续期
}

func (o *ConnOptions) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 12 / 5
	}
}

type outFrame struct {
	data []byte
	done chan error
}

// WsConn owns the write side of one websocket. A single pump goroutine does
// every write; Send only queues.
type WsConn struct {
	id   string
	ws   *websocket.Conn
	opts ConnOptions

	send chan outFrame

	mu       sync.RWMutex
	isClosed bool
	closed   chan struct{}
	exited   chan struct{}
}

var _ session.Conn = (*WsConn)(nil)

func newWsConn(id string, ws *websocket.Conn, opts ConnOptions) *WsConn {
	opts.norm()
	return &WsConn{
		id:     id,
		ws:     ws,
		opts:   opts,
		send:   make(chan outFrame, opts.SendQueue),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (c *WsConn) ID() string { return c.id }

// Send queues frame. A full queue means the client is not reading; the
// frame is refused rather than blocking the router.
func (c *WsConn) Send(frame []byte) <-chan error {
	done := make(chan error, 1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isClosed {
		done <- ErrConnClosed
		return done
	}
	select {
	case c.send <- outFrame{data: frame, done: done}:
	default:
		done <- ErrSendQueueFull
	}
	return done
}

// Close stops the pump, which sends a close frame and closes the socket.
// Safe to call any number of times.
func (c *WsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isClosed {
		c.isClosed = true
		close(c.closed)
	}
	return nil
}

// Done is closed once the pump has exited and the socket is closed.
func (c *WsConn) Done() <-chan struct{} { return c.exited }

func (c *WsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.ws.Close()
		c.drain()
		close(c.exited)
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, f.data)
			f.done <- err
			if err != nil {
				logger.Info("[WS] write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				logger.Info("[WS] ping failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-c.closed:
			// 统一由写协程发 Close
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

// drain resolves whatever is still queued. Close has already happened, so
// no new frame can be queued behind it.
func (c *WsConn) drain() {
	for {
		select {
		case f := <-c.send:
			f.done <- ErrConnClosed
		default:
			return
		}
	}
}
