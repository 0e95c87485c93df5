package handlers

import (
	"context"

	"PPRealtime/service/chat"
	"PPRealtime/service/protocol"
)

// HeartbeatHandler answers an application-level heartbeat. Liveness itself
// is renewed by the read loop on every frame.
type HeartbeatHandler struct{}

func NewHeartbeatHandler() chat.Handler      { return HeartbeatHandler{} }
func (HeartbeatHandler) Type() protocol.Type { return protocol.TypeHeartbeat }

func (HeartbeatHandler) Handle(_ context.Context, c *chat.ChatContext, _ protocol.Packet) error {
	return c.Reply(protocol.NewHeartbeat(c.S.Now()))
}
