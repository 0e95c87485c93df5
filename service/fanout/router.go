// Package fanout routes bus events to the live sessions that must see them.
package fanout

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/bus"
	"PPRealtime/service/event"
	"PPRealtime/service/membership"
	"PPRealtime/service/metrics"
	"PPRealtime/service/protocol"
	"PPRealtime/service/session"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

type Options struct {
	Membership    membership.Lookup // consulted when participantIds is empty
	Metrics       *metrics.Metrics  // optional
	LookupTimeout time.Duration     // default 2s
}

type Router struct {
	reg  *session.Registry
	opts Options
}

func NewRouter(reg *session.Registry, opts Options) *Router {
	safe.MustNotNil(reg, "session registry")
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	return &Router{reg: reg, opts: opts}
}

// Result of routing one event.
type Result struct {
	Kind      event.Kind
	Targets   int
	Delivered int
	Failed    int
	Err       error // parse or membership failure; the event was dropped
}

// Handler adapts the router to a bus subscription.
func (r *Router) Handler() bus.Handler {
	return func(ctx context.Context, data []byte) { r.Handle(ctx, data) }
}

// Handle parses one raw bus message and routes it. Malformed events are
// logged and dropped; the subscription keeps going.
func (r *Router) Handle(ctx context.Context, raw []byte) Result {
	start := time.Now()
	ev, err := event.Parse(raw)
	if err != nil {
		logger.Warn("[fanout] drop unparsable event", zap.Int("bytes", len(raw)), zap.Error(err))
		r.countEvent("unknown", "parse_error")
		return Result{Err: err}
	}
	res := r.Route(ctx, ev)
	if m := r.opts.Metrics; m != nil {
		m.FanoutTime.Observe(time.Since(start).Seconds())
	}
	return res
}

// Route delivers an already parsed event.
func (r *Router) Route(ctx context.Context, ev event.Event) Result {
	res := Result{Kind: ev.Kind()}
	targets, err := r.targets(ctx, ev)
	if err != nil {
		logger.Warn("[fanout] drop event, membership lookup failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		r.countEvent(string(ev.Kind()), "lookup_error")
		res.Err = err
		return res
	}
	res.Targets = len(targets)
	if len(targets) == 0 {
		r.countEvent(string(ev.Kind()), "routed")
		return res
	}

	frame, err := protocol.Encode(ev.Packet())
	if err != nil {
		logger.Error("[fanout] encode failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		r.countEvent(string(ev.Kind()), "encode_error")
		res.Err = err
		return res
	}
	cursor := ev.Cursor()
	for _, s := range targets {
		if err := immediate(s.Deliver(frame, cursor)); err != nil {
			res.Failed++
			r.drop(s, err)
			continue
		}
		res.Delivered++
	}
	r.countEvent(string(ev.Kind()), "routed")
	if m := r.opts.Metrics; m != nil {
		m.Deliveries.WithLabelValues("ok").Add(float64(res.Delivered))
		m.Deliveries.WithLabelValues("failed").Add(float64(res.Failed))
	}
	return res
}

func (r *Router) targets(ctx context.Context, ev event.Event) ([]*session.Session, error) {
	var users []string
	switch e := ev.(type) {
	case event.ChatMessage:
		participants := e.ParticipantIDs
		if len(participants) == 0 {
			if r.opts.Membership == nil {
				return nil, errs.ErrInternal.WrapMsg("no participants and no membership backend", "conversation", e.ConversationID)
			}
			lctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
			p, err := r.opts.Membership.GetConversationParticipants(lctx, e.ConversationID)
			cancel()
			if err != nil {
				return nil, errs.WrapMsg(err, "membership lookup", "conversation", e.ConversationID)
			}
			participants = p
		}
		// the sender's other devices are reached through the participant list
		users = unique(participants)
	case event.ReadStatus:
		users = []string{e.UserID}
	}

	var out []*session.Session
	for _, u := range users {
		for _, s := range r.reg.SessionsOf(u) {
			if ev.Excludes(s.UserID, s.DeviceID) {
				continue
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// drop removes a session whose write failed on the spot. The write is not
// retried; only this session is affected.
func (r *Router) drop(s *session.Session, cause error) {
	err := errs.ErrDelivery.WrapMsg("fanout write", "user", s.UserID, "device", s.DeviceID, "conn", s.ConnID(), "err", cause)
	logger.Info("[fanout] removing dead session", zap.Error(err))
	r.reg.RemoveSession(s)
	_ = s.Close()
}

func (r *Router) countEvent(kind, result string) {
	if m := r.opts.Metrics; m != nil {
		m.BusEvents.WithLabelValues(kind, result).Inc()
	}
}

// immediate reports a failure already known when the write was queued. A
// write still in flight counts as success; a later failure tears the
// connection down through its own read loop.
func immediate(done <-chan error) error {
	select {
	case err := <-done:
		return err
	default:
		return nil
	}
}

func unique(in []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(in)+len(extra))
	out := make([]string, 0, len(in)+len(extra))
	for _, u := range append(in[:len(in):len(in)], extra...) {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
