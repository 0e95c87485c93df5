package chat

import (
	"context"

	"PPRealtime/service/protocol"
	"PPRealtime/service/session"
)

// Handler serves one client frame type. A returned error is answered with
// an ERROR frame; the connection stays open.
type Handler interface {
	Type() protocol.Type
	Handle(ctx context.Context, c *ChatContext, p protocol.Packet) error
}

// ChatContext is what a handler may touch for the frame it is serving.
type ChatContext struct {
	S       *Server
	Session *session.Session
}

// Reply writes p straight to the caller's connection.
func (c *ChatContext) Reply(p protocol.Packet) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	c.Session.Send(frame)
	return nil
}
