package chat

import (
	"net/http"
	"time"

	mid "PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/service/bus"
	"PPRealtime/service/metrics"
	"PPRealtime/service/resync"
	"PPRealtime/service/session"
	"PPRealtime/tools/safe"
	jwt "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Options struct {
	NodeID         string
	JWT            jwt.Options
	Conn           ConnOptions
	AllowedOrigins []string // empty => any origin
	MaxFrameBytes  int64    // inbound frame limit; default 64KiB
	Clock          func() time.Time
}

func (o *Options) norm() {
	o.Conn.norm()
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Server is the client-facing endpoint: authenticated handshake, one
// session per socket, client frames handed to the Dispatcher.
type Server struct {
	reg      *session.Registry
	sync     *resync.Coordinator
	upstream bus.Publisher    // nil => SEND_MESSAGE / READ_STATUS are refused
	m        *metrics.Metrics // optional
	disp     *Dispatcher
	guards   *mid.MiddlewareManager // run on /ws before auth
	upgrader websocket.Upgrader
	opts     Options
}

func NewServer(reg *session.Registry, coord *resync.Coordinator, upstream bus.Publisher, m *metrics.Metrics, disp *Dispatcher, opts Options) *Server {
	safe.MustNotNil(reg, "session registry")
	opts.norm()
	if disp == nil {
		disp = NewDispatcher()
	}
	s := &Server{
		reg:      reg,
		sync:     coord,
		upstream: upstream,
		m:        m,
		disp:     disp,
		guards:   mid.NewManager(mid.Origin(opts.AllowedOrigins)),
		opts:     opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin 已由 middleware.Origin 检查
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

func (s *Server) Registry() *session.Registry      { return s.reg }
func (s *Server) Coordinator() *resync.Coordinator { return s.sync }
func (s *Server) Upstream() bus.Publisher          { return s.upstream }
func (s *Server) Disp() *Dispatcher                { return s.disp }
func (s *Server) Guards() *mid.MiddlewareManager   { return s.guards }
func (s *Server) NodeID() string                   { return s.opts.NodeID }
func (s *Server) Now() time.Time                   { return s.opts.Clock() }
func (s *Server) HeartbeatInterval() time.Duration { return s.opts.Conn.PingInterval }

// Engine builds the gin engine with every route the gateway serves.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(mid.Recovery(), mid.Logging())
	if s.m != nil {
		r.Use(s.m.GinMiddleware())
		r.GET("/metrics", gin.WrapH(s.m.Handler()))
	}
	s.Routes(r)
	return r
}

func (s *Server) Routes(r gin.IRouter) {
	r.GET("/healthz", s.healthz)
	r.GET("/stats", s.stats)

	ws := r.Group("", s.guards.Use(), s.countRejected)
	mid.GET(ws, "/ws", s.HandleWS, mid.RouteOpt{IsAuth: true, Auth: midsec.DefaultOptions(s.opts.JWT)})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "nodeId": s.opts.NodeID})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodeId":      s.opts.NodeID,
		"onlineUsers": s.reg.OnlineUserCount(),
		"sessions":    s.reg.SessionCount(),
	})
}

// countRejected runs around the auth middleware; a 401 never reaches HandleWS.
func (s *Server) countRejected(c *gin.Context) {
	c.Next()
	if c.Writer.Status() == http.StatusUnauthorized {
		s.countHandshake("rejected")
	}
}

func (s *Server) countHandshake(result string) {
	if s.m != nil {
		s.m.Handshakes.WithLabelValues(result).Inc()
	}
}

func (s *Server) countFrame(t string) {
	if s.m != nil {
		s.m.Frames.WithLabelValues(t).Inc()
	}
}
