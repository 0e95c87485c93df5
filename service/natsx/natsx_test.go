package natsx

import (
	"context"
	"os"
	"testing"
	"time"

	"PPRealtime/tools/errs"
)

func TestParseMode(t *testing.T) {
	cases := map[string]NatsxMode{"": Core, "core": Core, " JS_PUSH ": JetStreamPush, "jetstream": JetStreamPush}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("js_pull"); err == nil {
		t.Fatal("js_pull accepted")
	}
}

func TestNormRoute(t *testing.T) {
	if _, err := normRoute(NatsxRoute{Biz: "x"}); err == nil {
		t.Fatal("route without subject accepted")
	}
	r, err := normRoute(NatsxRoute{Biz: "x", Subject: "im.events"})
	if err != nil || r.AckWait != 30*time.Second || r.MaxAckPending != 1024 {
		t.Fatalf("defaults not applied: %+v %v", r, err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) NatsxMiddleware {
		return func(next NatsxHandler) NatsxHandler {
			return func(ctx context.Context, msg NatsxMessage) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		order = append(order, "h")
		return nil
	}, mw("a"), mw("b"))
	_ = h(context.Background(), NatsxMessage{})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "h" {
		t.Fatalf("order = %v", order)
	}
}

func TestIdemMiddleware(t *testing.T) {
	now := time.Unix(0, 0)
	store := newMemIdem(time.Minute, func() time.Time { return now })
	calls := 0
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		calls++
		return nil
	}, NatsxIdemMiddleware(store, 0))

	withID := NatsxMessage{Subject: "s", Data: []byte("a"), Header: map[string]string{HeaderMsgID: "42"}}
	_ = h(context.Background(), withID)
	_ = h(context.Background(), withID)
	if calls != 1 {
		t.Fatalf("duplicate by header delivered: calls=%d", calls)
	}

	// without an id the subject and body identify the message
	_ = h(context.Background(), NatsxMessage{Subject: "s", Data: []byte("b")})
	_ = h(context.Background(), NatsxMessage{Subject: "s", Data: []byte("b")})
	if calls != 2 {
		t.Fatalf("duplicate by body delivered: calls=%d", calls)
	}

	now = now.Add(2 * time.Minute)
	store.sweep()
	_ = h(context.Background(), withID)
	if calls != 3 {
		t.Fatalf("expired id still suppressed: calls=%d", calls)
	}
}

func TestRecover(t *testing.T) {
	h := NatsxChain(func(context.Context, NatsxMessage) error { panic("boom") }, NatsxRecover())
	err := h(context.Background(), NatsxMessage{Subject: "s"})
	if errs.CodeOf(err) != errs.ServerInternalError {
		t.Fatalf("err = %v", err)
	}
}

// needs a nats server at NATS_TEST_URL
func TestBusRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	c, err := NewNatsxClient(NatsxConfig{Servers: []string{url}, Name: "natsx-test"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := NewBus(ctx, c, BusConfig{Subject: "test.events", Upstream: "test.events"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	got := make(chan []byte, 1)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, data []byte) { got <- data })
	}()
	time.Sleep(200 * time.Millisecond)
	if err := b.Publish(ctx, "k1", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if string(d) != `{"x":1}` {
			t.Fatalf("got %s", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}
}
