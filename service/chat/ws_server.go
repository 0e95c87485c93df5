package chat

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PPRealtime/logger"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/service/protocol"
	"PPRealtime/service/session"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type handshake struct {
	userID     string
	deviceID   string
	deviceType string
	cursor     int64
}

// readHandshake resolves the identity of the socket. The device id comes
// from the token, then ?deviceId=, and finally the connection id.
func readHandshake(c *gin.Context, connID string) (handshake, error) {
	info, ok := midsec.TokenFrom(c)
	if !ok {
		return handshake{}, errs.ErrAuthRejected.WrapMsg("no token info")
	}
	h := handshake{userID: info.UserID, deviceID: info.DeviceID}
	if h.deviceID == "" {
		h.deviceID = strings.TrimSpace(c.Query("deviceId"))
	}
	if h.deviceID == "" {
		h.deviceID = connID
	}
	h.deviceType = strings.TrimSpace(c.Query("deviceType"))
	if h.deviceType == "" {
		h.deviceType = strings.TrimSpace(c.GetHeader("X-Device-Type"))
	}
	if v := c.Query("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return handshake{}, errs.ErrProtocol.WrapMsg("bad cursor", "cursor", v)
		}
		h.cursor = n
	}
	return h, nil
}

// HandleWS runs one connection from upgrade to teardown. Auth has already
// passed; a bad token never gets here.
func (s *Server) HandleWS(c *gin.Context) {
	connID := ids.GenerateString()
	hs, err := readHandshake(c, connID)
	if err != nil {
		s.countHandshake("rejected")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": errs.CodeOf(err), "error": err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已写回错误
		s.countHandshake("failed")
		logger.Info("[WS] upgrade failed", zap.String("user", hs.userID), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.MaxFrameBytes)

	conn := newWsConn(connID, ws, s.opts.Conn)
	go conn.writePump()

	sess, err := s.reg.Add(conn, hs.userID, hs.deviceID, hs.deviceType)
	if err != nil {
		s.countHandshake("failed")
		logger.Error("[WS] register session", zap.String("conn", connID), zap.Error(err))
		_ = conn.Close()
		return
	}
	s.countHandshake("accepted")
	logger.Info("[WS] connected",
		zap.String("conn", connID), zap.String("user", hs.userID),
		zap.String("device", hs.deviceID), zap.String("deviceType", hs.deviceType))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.reg.RemoveSession(sess)
		_ = conn.Close()
		<-conn.Done()
		logger.Info("[WS] closed", zap.String("conn", connID), zap.String("user", hs.userID))
	}()

	sess.Send(protocol.MustEncode(protocol.LoginAck{
		UserID:              hs.userID,
		DeviceID:            hs.deviceID,
		ConnectionID:        connID,
		ServerTime:          s.Now().UnixMilli(),
		HeartbeatIntervalMs: s.HeartbeatInterval().Milliseconds(),
	}))

	if s.sync != nil {
		res, err := s.sync.Sync(ctx, sess, hs.cursor)
		if s.m != nil {
			s.m.Replayed.Add(float64(res.Replayed))
		}
		if err != nil {
			if !sess.Live() {
				// a replay or flush write failed; the session never went live
				logger.Info("[WS] resync write failed", zap.String("conn", connID), zap.Error(err))
				return
			}
			logger.Warn("[WS] resync degraded", zap.String("conn", connID), zap.Error(err))
		}
	} else if _, err := sess.GoLive(ctx, 0); err != nil {
		logger.Info("[WS] flush pending failed", zap.String("conn", connID), zap.Error(err))
		return
	}

	s.readLoop(ctx, ws, sess)
}

// readLoop 只读不写；出错即退出，由写协程收尾
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session) {
	pongWait := s.opts.Conn.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		sess.Touch(s.Now())
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	cc := &ChatContext{S: s, Session: sess}
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			logReadErr(sess.ConnID(), err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch(s.Now())
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		p, err := protocol.Decode(data)
		if err != nil {
			s.countFrame("invalid")
			s.replyError(cc, err, data)
			continue
		}
		s.countFrame(string(p.Type()))
		if err := s.disp.Dispatch(ctx, cc, p); err != nil {
			s.replyError(cc, err, nil)
		}
	}
}

func (s *Server) replyError(cc *ChatContext, err error, sample []byte) {
	if len(sample) > 256 {
		sample = sample[:256]
	}
	logger.Info("[WS] frame rejected",
		zap.String("conn", cc.Session.ConnID()), zap.Error(err), zap.ByteString("sample", sample))
	if rerr := cc.Reply(protocol.NewError(err)); rerr != nil {
		logger.Warn("[WS] encode error frame", zap.Error(rerr))
	}
}

func logReadErr(connID string, err error) {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		logger.Info("[WS] peer closed", zap.String("conn", connID), zap.Error(err))
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		logger.Info("[WS] read timeout", zap.String("conn", connID), zap.Error(err))
	} else {
		logger.Info("[WS] read err", zap.String("conn", connID), zap.Error(err))
	}
}
