package handlers

import (
	"context"

	"PPRealtime/service/chat"
	"PPRealtime/service/protocol"
	"PPRealtime/tools/errs"
)

// AckHandler advances the device's delivery cursor.
type AckHandler struct{}

func NewAckHandler() chat.Handler      { return AckHandler{} }
func (AckHandler) Type() protocol.Type { return protocol.TypeAck }

func (AckHandler) Handle(ctx context.Context, c *chat.ChatContext, p protocol.Packet) error {
	coord := c.S.Coordinator()
	if coord == nil {
		return nil
	}
	ack := p.(protocol.Ack)
	if err := coord.Ack(ctx, c.Session, ack.Cursor); err != nil {
		if errs.ErrProtocol.Is(err) {
			return err
		}
		return errs.ErrInternal.WrapMsg("advance cursor", "cursor", ack.Cursor, "err", err)
	}
	return nil
}
