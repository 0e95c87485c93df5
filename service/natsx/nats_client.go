package natsx

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"PPRealtime/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NatsxMode 工作模式
type NatsxMode int

const (
	Core          NatsxMode = iota // 无持久化
	JetStreamPush                  // JS 推送订阅
)

func ParseMode(s string) (NatsxMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "core":
		return Core, nil
	case "js_push", "jetstream":
		return JetStreamPush, nil
	default:
		return Core, fmt.Errorf("unknown nats mode %q (core/js_push)", s)
	}
}

func (m NatsxMode) String() string {
	if m == JetStreamPush {
		return "js_push"
	}
	return "core"
}

// NatsxRoute 路由配置（按 Biz 维度注册）
type NatsxRoute struct {
	Biz           string
	Subject       string
	Mode          NatsxMode
	Queue         string // 队列组; empty means every subscriber gets every message
	Durable       string // JS durable 名
	AckWait       time.Duration
	MaxAckPending int
}

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	ReconnectWait   time.Duration
	Timeout         time.Duration
	PublishAsyncMax int
}

// NatsxClient 统一客户端
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.RWMutex
	routes map[string]NatsxRoute         // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[nats] disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsxClient{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil && !c.nc.IsClosed() {
		return c.nc.Drain()
	}
	return nil
}

// ensureJS 初始化 JetStream 上下文
func (c *NatsxClient) ensureJS() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 Biz 路由
func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	r, err := normRoute(r)
	if err != nil {
		return err
	}
	if r.Mode == JetStreamPush {
		if err := c.ensureJS(); err != nil {
			return errors.Wrap(err, "init jetstream")
		}
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func normRoute(r NatsxRoute) (NatsxRoute, error) {
	if r.Biz == "" || r.Subject == "" {
		return r, errors.New("invalid route: biz and subject are required")
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	return r, nil
}

// route 查询已注册路由
func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}
