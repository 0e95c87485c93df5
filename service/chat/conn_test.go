package chat

import (
	"errors"
	"testing"
	"time"
)

func TestWsConnSendQueue(t *testing.T) {
	c := newWsConn("c1", nil, ConnOptions{SendQueue: 1})
	first := c.Send([]byte("a"))
	if err := <-c.Send([]byte("b")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("second send = %v, want queue full", err)
	}

	_ = c.Close()
	_ = c.Close()
	if err := <-c.Send([]byte("c")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after close = %v", err)
	}
	c.drain()
	select {
	case err := <-first:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("queued frame = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued frame never resolved")
	}
}

func TestConnOptionsNorm(t *testing.T) {
	o := ConnOptions{PingInterval: 10 * time.Second, PongWait: 5 * time.Second}
	o.norm()
	if o.PongWait <= o.PingInterval {
		t.Fatalf("pong wait %v must exceed ping interval %v", o.PongWait, o.PingInterval)
	}
	if o.SendQueue != defaultSendQueue || o.WriteWait != defaultWriteWait {
		t.Fatalf("defaults = %+v", o)
	}
}
