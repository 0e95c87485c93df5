// Package handlers holds the client frame handlers the gateway registers on
// its dispatcher.
package handlers

import "PPRealtime/service/chat"

// Register installs every client frame handler on d.
func Register(d *chat.Dispatcher) {
	d.Register(NewHeartbeatHandler())
	d.Register(NewSendMessageHandler())
	d.Register(NewReadStatusHandler())
	d.Register(NewAckHandler())
}

// NewDispatcher is a dispatcher with every handler registered.
func NewDispatcher() *chat.Dispatcher {
	d := chat.NewDispatcher()
	Register(d)
	return d
}
