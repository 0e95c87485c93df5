package main

import (
	"context"
	"os"
	"strings"
	"time"

	"PPRealtime/data/database/mgo/mongoutil"
	"PPRealtime/global"
	"PPRealtime/logger"
	"PPRealtime/service/bus"
	"PPRealtime/service/kafka"
	"PPRealtime/service/membership"
	"PPRealtime/service/natsx"
	"PPRealtime/service/resync"
	"PPRealtime/service/session"
	"PPRealtime/service/storage"
	redisx "PPRealtime/service/storage/redis"
	jwt "PPRealtime/tools/security"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type busDriver interface {
	bus.Subscriber
	bus.Publisher
}

// deps are the external collaborators, built from config before the
// registry exists.
type deps struct {
	rdb      *redis.Client
	offline  resync.OfflineQueue
	presence *storage.Presence
	members  membership.Lookup
	bus      busDriver
	closers  []func()
}

func (d *deps) observer() session.Observer {
	if d.presence == nil {
		return nil
	}
	return d.presence
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func build(ctx context.Context, cfg *global.AppConfig) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	driver, _ := bus.ParseDriver(cfg.BusDriver)
	needRedis := cfg.OfflineBackend == global.OfflineRedis || cfg.PresenceEnabled || driver == bus.DriverRedis
	if needRedis {
		d.rdb, err = redisx.New(ctx, redisx.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = d.rdb.Close() })
	}

	if cfg.OfflineBackend == global.OfflineRedis {
		d.offline = storage.NewOfflineStore(d.rdb, storage.OfflineConfig{MaxLen: cfg.OfflineMaxLen, KeyTTL: cfg.OfflineTTL})
	} else {
		logger.Warn("[main] offline backlog is process-local", zap.String("backend", cfg.OfflineBackend))
		d.offline = storage.NewMemoryOffline(int(cfg.OfflineMaxLen))
	}
	if cfg.PresenceEnabled {
		d.presence = storage.NewPresence(d.rdb, storage.PresenceConfig{NodeID: cfg.NodeID, TTL: cfg.PresenceTTL})
	}

	if d.members, err = buildMembership(ctx, cfg, d); err != nil {
		return nil, err
	}
	if d.bus, err = buildBus(ctx, cfg, driver, d); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = d.bus.Close() })
	return d, nil
}

func buildMembership(ctx context.Context, cfg *global.AppConfig, d *deps) (membership.Lookup, error) {
	backend, _ := membership.ParseBackend(cfg.MembershipBackend)
	switch backend {
	case membership.BackendPostgres:
		pg, err := membership.NewPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pg.Close)
		return pg, nil
	case membership.BackendMongo:
		mg, err := membership.NewMongo(ctx, &mongoutil.Config{Uri: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mg.Close(cctx)
		})
		return mg, nil
	default:
		// events must carry participantIds
		return nil, nil
	}
}

func buildBus(ctx context.Context, cfg *global.AppConfig, driver bus.Driver, d *deps) (busDriver, error) {
	switch driver {
	case bus.DriverNATS:
		mode, _ := natsx.ParseMode(cfg.NATSMode)
		c, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers:  cfg.NATSURLs,
			Name:     cfg.NodeID,
			User:     cfg.NATSUser,
			Password: cfg.NATSPassword,
		})
		if err != nil {
			return nil, err
		}
		b, err := natsx.NewBus(ctx, c, natsx.BusConfig{
			Subject:  cfg.BusSubject,
			Upstream: cfg.BusUpstreamSubject,
			Mode:     mode,
			Durable:  cfg.Durable(),
			Retries:  3,
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		return b, nil
	case bus.DriverKafka:
		b, err := kafka.NewBus(kafka.Config{
			Brokers:          cfg.KafkaBrokers,
			Topic:            cfg.BusSubject,
			UpstreamTopic:    cfg.BusUpstreamSubject,
			GroupID:          cfg.KafkaGroupID(),
			Version:          cfg.KafkaVersion,
			InitialOffset:    "newest",
			AutoCreateTopics: cfg.KafkaAutoCreate,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case bus.DriverRedis:
		return storage.NewPubSub(d.rdb, cfg.BusSubject, cfg.BusUpstreamSubject), nil
	default:
		return nil, errors.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

// mintToken prints a token for "user[:device]".
func mintToken(opts jwt.Options, who string) error {
	user, device, _ := strings.Cut(who, ":")
	if user == "" {
		return errors.New("user is required")
	}
	tok, exp, err := jwt.Generate(opts, jwt.TokenRequest{UserID: user, DeviceID: device})
	if err != nil {
		return err
	}
	logger.Info("[mint] token issued", zap.String("user", user), zap.String("device", device), zap.Time("expires", exp))
	_, err = os.Stdout.WriteString(tok + "\n")
	return err
}
