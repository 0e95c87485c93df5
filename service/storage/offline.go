package storage

import (
	"context"
	"strconv"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/event"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 游标只前进不后退
// KEYS[1] = cursor key
// ARGV[1] = new cursor
// ARGV[2] = ttl seconds (0 = keep)
const luaAdvanceCursor = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call("SET", KEYS[1], ARGV[1])
  cur = nxt
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return cur
`

type OfflineConfig struct {
	MaxLen    int64         // backlog kept per user; default 10000
	KeyTTL    time.Duration // idle expiry of backlog and cursor keys; default 7 days
	ReadLimit int           // cap on FetchSince limit; default 1000
}

func (c *OfflineConfig) norm() {
	if c.MaxLen <= 0 {
		c.MaxLen = 10_000
	}
	if c.KeyTTL <= 0 {
		c.KeyTTL = 7 * 24 * time.Hour
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1000
	}
}

// OfflineStore is the Redis view of the per-user offline backlog and the
// per-device delivery cursor. The CRUD tier fills the backlog; the gateway
// only reads it and moves cursors.
type OfflineStore struct {
	rdb     redis.UniversalClient
	conf    OfflineConfig
	advance *redis.Script
}

func NewOfflineStore(rdb redis.UniversalClient, conf OfflineConfig) *OfflineStore {
	conf.norm()
	return &OfflineStore{rdb: rdb, conf: conf, advance: redis.NewScript(luaAdvanceCursor)}
}

// Enqueue appends one event to the user's backlog and trims the oldest
// entries past MaxLen. An entry already stored under the same seq is
// replaced. The gateway never calls this on the delivery path.
func (s *OfflineStore) Enqueue(ctx context.Context, userID string, rec event.Record) error {
	if rec.Seq <= 0 {
		return errors.Errorf("offline enqueue: seq must be positive, got %d", rec.Seq)
	}
	body, err := event.Marshal(rec.Event)
	if err != nil {
		return errors.Wrap(err, "offline enqueue")
	}
	key := offlineKey(userID)
	lo, hi := seqRange(rec.Seq)
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByLex(ctx, key, lo, hi)
	pipe.ZAdd(ctx, key, redis.Z{Score: 0, Member: encodeMember(rec.Seq, body)})
	pipe.ZRemRangeByRank(ctx, key, 0, -(s.conf.MaxLen + 1))
	pipe.Expire(ctx, key, s.conf.KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "offline enqueue user=%s seq=%d", userID, rec.Seq)
	}
	return nil
}

func (s *OfflineStore) Cursor(ctx context.Context, userID, deviceID string) (int64, error) {
	v, err := s.rdb.Get(ctx, cursorKey(userID, deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "cursor get user=%s device=%s", userID, deviceID)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "cursor value %q", v)
	}
	return n, nil
}

// FetchSince reads records with seq strictly greater than cursor. Entries
// that no longer parse are logged and skipped so one bad write cannot stall
// a device forever.
func (s *OfflineStore) FetchSince(ctx context.Context, userID, deviceID string, cursor int64, limit int) ([]event.Record, error) {
	if limit <= 0 || limit > s.conf.ReadLimit {
		limit = s.conf.ReadLimit
	}
	if cursor < 0 {
		cursor = 0
	}
	key := offlineKey(userID)
	from := "[" + seqPrefix(cursor+1)
	out := make([]event.Record, 0, limit)
	for len(out) < limit {
		want := limit - len(out)
		members, err := s.rdb.ZRangeByLex(ctx, key, &redis.ZRangeBy{
			Min:   from,
			Max:   "+",
			Count: int64(want),
		}).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "offline fetch user=%s cursor=%d", userID, cursor)
		}
		for _, m := range members {
			seq, body, err := decodeMember(m)
			var ev event.Event
			if err == nil {
				ev, err = event.Parse(body)
			}
			if err != nil {
				logger.Warn("[offline] skip bad entry", zap.String("user", userID), zap.Error(err))
				continue
			}
			if seq > cursor {
				out = append(out, event.Record{Seq: seq, Event: ev})
			}
		}
		if len(members) < want {
			break
		}
		from = "(" + members[len(members)-1]
	}
	return out, nil
}

func (s *OfflineStore) AdvanceCursor(ctx context.Context, userID, deviceID string, cursor int64) error {
	if cursor <= 0 {
		return nil
	}
	ttl := int64(s.conf.KeyTTL / time.Second)
	err := s.advance.Run(ctx, s.rdb, []string{cursorKey(userID, deviceID)}, cursor, ttl).Err()
	if err != nil {
		return errors.Wrapf(err, "cursor advance user=%s device=%s to=%d", userID, deviceID, cursor)
	}
	return nil
}
