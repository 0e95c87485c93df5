package handlers

import (
	"context"
	"strconv"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"
	"PPRealtime/service/event"
	"PPRealtime/service/protocol"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"go.uber.org/zap"
)

const publishTimeout = 3 * time.Second

// SendMessageHandler stamps a client message with the authenticated
// identity and hands it to the CRUD tier. Nothing is fanned out here; the
// persisted message comes back over the bus.
type SendMessageHandler struct{}

func NewSendMessageHandler() chat.Handler      { return SendMessageHandler{} }
func (SendMessageHandler) Type() protocol.Type { return protocol.TypeSendMessage }

func (SendMessageHandler) Handle(ctx context.Context, c *chat.ChatContext, p protocol.Packet) error {
	msg := p.(protocol.SendMessage)
	req := event.SendRequest{
		SenderID:       c.Session.UserID,
		SenderDeviceID: c.Session.DeviceID,
		ConversationID: msg.ConversationID,
		ClientMsgID:    msg.ClientMsgID,
		Content:        msg.Content,
		ConnectionID:   c.Session.ConnID(),
		NodeID:         c.S.NodeID(),
		Ts:             c.S.Now().UnixMilli(),
	}
	if req.ClientMsgID == "" {
		req.ClientMsgID = ids.GenerateString()
	}
	body, err := req.Marshal()
	if err != nil {
		return errs.ErrInternal.WrapMsg("marshal send request", "err", err)
	}
	// 同一设备重发的同一条消息用相同 key 以便去重
	key := req.SenderID + ":" + req.SenderDeviceID + ":" + req.ClientMsgID
	return publish(ctx, c, key, body)
}

// ReadStatusHandler forwards a read report upstream in the same shape the
// CRUD tier later publishes it back.
type ReadStatusHandler struct{}

func NewReadStatusHandler() chat.Handler      { return ReadStatusHandler{} }
func (ReadStatusHandler) Type() protocol.Type { return protocol.TypeReadStatus }

func (ReadStatusHandler) Handle(ctx context.Context, c *chat.ChatContext, p protocol.Packet) error {
	rs := p.(protocol.ReadStatus)
	ev := event.ReadStatus{
		UserID:         c.Session.UserID,
		DeviceID:       c.Session.DeviceID,
		ConversationID: rs.ConversationID,
		LastReadMsgID:  rs.LastReadMsgID,
	}
	body, err := event.Marshal(ev)
	if err != nil {
		return errs.ErrInternal.WrapMsg("marshal read status", "err", err)
	}
	key := ev.UserID + ":" + ev.ConversationID + ":" + strconv.FormatInt(ev.LastReadMsgID, 10)
	return publish(ctx, c, key, body)
}

func publish(ctx context.Context, c *chat.ChatContext, key string, body []byte) error {
	up := c.S.Upstream()
	if up == nil {
		return errs.ErrInternal.WrapMsg("upstream not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := up.Publish(ctx, key, body); err != nil {
		logger.Warn("[relay] publish failed", zap.String("conn", c.Session.ConnID()), zap.String("key", key), zap.Error(err))
		return errs.ErrInternal.WrapMsg("publish upstream", "err", err)
	}
	return nil
}
