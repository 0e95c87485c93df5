package chat

import (
	"context"

	"PPRealtime/service/protocol"
	"PPRealtime/tools/errs"
)

type Dispatcher struct {
	handlers map[protocol.Type]Handler
}

func NewDispatcher(hs ...Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[protocol.Type]Handler)}
	for _, h := range hs {
		d.Register(h)
	}
	return d
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

// Dispatch routes p to its handler. Server-to-client types have no handler
// and are protocol errors when a client sends them.
func (d *Dispatcher) Dispatch(ctx context.Context, c *ChatContext, p protocol.Packet) error {
	h, ok := d.handlers[p.Type()]
	if !ok {
		return errs.ErrProtocol.WrapMsg("unexpected frame type", "type", p.Type())
	}
	return h.Handle(ctx, c, p)
}
