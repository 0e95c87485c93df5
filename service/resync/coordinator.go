// Package resync replays what a device missed while offline before the
// device is allowed to receive live fanout.
package resync

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/event"
	"PPRealtime/service/protocol"
	"PPRealtime/service/session"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// OfflineQueue is the device-sync store owned by the CRUD tier.
type OfflineQueue interface {
	// Cursor returns the last position acknowledged by the device, 0 if none.
	Cursor(ctx context.Context, userID, deviceID string) (int64, error)
	// FetchSince returns up to limit records with Seq strictly greater than
	// cursor, ordered by Seq.
	FetchSince(ctx context.Context, userID, deviceID string, cursor int64, limit int) ([]event.Record, error)
	AdvanceCursor(ctx context.Context, userID, deviceID string, cursor int64) error
}

type Options struct {
	BatchSize    int           // records per FetchSince call; default 200
	Timeout      time.Duration // whole sync budget; default 10s
	WriteTimeout time.Duration // per replayed frame; default 5s
}

func (o *Options) norm() {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

type Coordinator struct {
	queue OfflineQueue
	opts  Options
}

func NewCoordinator(queue OfflineQueue, opts Options) *Coordinator {
	opts.norm()
	return &Coordinator{queue: queue, opts: opts}
}

type Result struct {
	From     int64 // cursor the replay started after
	Cursor   int64 // last Seq replayed (From if nothing)
	Replayed int   // frames written from the backlog
	Flushed  int   // live frames released after the backlog
}

// Sync replays the backlog of s after the effective cursor and then makes s
// live. clientCursor, when > 0, is what the client says it already has and
// takes precedence over the stored cursor.
//
// The session always ends up live, even when the store fails, so live
// fanout is never held hostage by the CRUD tier; the error is returned for
// logging. A failed write, during replay or while flushing buffered live
// frames, is returned as a DeliveryFailure and the session is left pending
// for the caller to tear down.
func (c *Coordinator) Sync(ctx context.Context, s *session.Session, clientCursor int64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res := Result{}
	cursor := clientCursor
	if cursor <= 0 {
		stored, err := c.queue.Cursor(ctx, s.UserID, s.DeviceID)
		if err != nil {
			return c.finishAfter(s, 0, res, errs.WrapMsg(err, "load cursor", "user", s.UserID, "device", s.DeviceID))
		}
		cursor = stored
	}
	res.From, res.Cursor = cursor, cursor

	// highest event id already on the client; live frames at or below it
	// are duplicates of the backlog
	covered := cursor
	for {
		batch, err := c.queue.FetchSince(ctx, s.UserID, s.DeviceID, res.Cursor, c.opts.BatchSize)
		if err != nil {
			return c.finishAfter(s, covered, res, errs.WrapMsg(err, "fetch backlog", "user", s.UserID, "device", s.DeviceID, "cursor", res.Cursor))
		}
		// the store may cap limit; a page that advances nothing ends the backlog
		progressed := false
		for _, rec := range batch {
			if rec.Seq <= res.Cursor {
				// store returned an overlapping page
				continue
			}
			if !rec.Event.Excludes(s.UserID, s.DeviceID) {
				if err := c.write(ctx, s, rec.Event.Packet()); err != nil {
					return res, err
				}
				res.Replayed++
			}
			res.Cursor = rec.Seq
			progressed = true
			if ec := rec.Event.Cursor(); ec > covered {
				covered = ec
			}
		}
		if !progressed {
			break
		}
	}

	if res.Cursor > res.From {
		if err := c.queue.AdvanceCursor(ctx, s.UserID, s.DeviceID, res.Cursor); err != nil {
			logger.Warn("[resync] advance cursor failed",
				zap.String("user", s.UserID), zap.String("device", s.DeviceID), zap.Error(err))
		}
	}

	n, err := c.finish(s, covered, res)
	res.Flushed = n
	if err != nil {
		return res, err
	}
	logger.Debug("[resync] session live",
		zap.String("user", s.UserID), zap.String("device", s.DeviceID),
		zap.Int64("from", res.From), zap.Int64("cursor", res.Cursor),
		zap.Int("replayed", res.Replayed), zap.Int("flushed", res.Flushed))
	return res, nil
}

// finish tells the client the backlog is complete and releases live frames.
// It gets its own deadline; the sync budget may already be spent.
func (c *Coordinator) finish(s *session.Session, covered int64, res Result) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if err := c.write(ctx, s, protocol.SyncComplete{Cursor: res.Cursor, Replayed: res.Replayed}); err != nil {
		return 0, err
	}
	n, err := s.GoLive(ctx, covered)
	if err != nil {
		return n, errs.ErrDelivery.WrapMsg("flush pending", "conn", s.ConnID(), "flushed", n, "err", err)
	}
	return n, nil
}

// finishAfter makes s live after a store failure. A write failure wins over
// cause since it is the one the caller must act on.
func (c *Coordinator) finishAfter(s *session.Session, covered int64, res Result, cause error) (Result, error) {
	n, err := c.finish(s, covered, res)
	res.Flushed = n
	if err != nil {
		return res, err
	}
	return res, cause
}

func (c *Coordinator) write(ctx context.Context, s *session.Session, p protocol.Packet) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-s.Send(frame):
		if err != nil {
			return errs.ErrDelivery.WrapMsg("replay write", "conn", s.ConnID(), "err", err)
		}
		return nil
	case <-timer.C:
		return errs.ErrDelivery.WrapMsg("replay write timeout", "conn", s.ConnID())
	case <-ctx.Done():
		return errs.ErrDelivery.WrapMsg("replay cancelled", "conn", s.ConnID(), "err", ctx.Err())
	}
}

// Ack records a client acknowledgement of everything up to cursor.
func (c *Coordinator) Ack(ctx context.Context, s *session.Session, cursor int64) error {
	if cursor <= 0 {
		return errs.ErrProtocol.WrapMsg("ack cursor must be positive")
	}
	return c.queue.AdvanceCursor(ctx, s.UserID, s.DeviceID, cursor)
}
