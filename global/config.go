// Package global loads the gateway configuration from the environment.
package global

import (
	"os"
	"strings"
	"time"

	"PPRealtime/service/bus"
	"PPRealtime/service/membership"
	"PPRealtime/service/natsx"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	OfflineRedis  = "redis"
	OfflineMemory = "memory"
)

type AppConfig struct {
	NodeID        string `env:"NODE_ID"`
	SnowflakeNode int64  `env:"SNOWFLAKE_NODE" envDefault:"1"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr      string `env:"GRPC_ADDR" envDefault:":50051"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON       bool   `env:"LOG_JSON" envDefault:"false"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTAlg    string `env:"JWT_ALG" envDefault:"HS256"`

	AllowedOrigins  []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	WSPingInterval  time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`
	WSPongWait      time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WSWriteWait     time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	WSSendQueue     int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WSMaxFrameBytes int64         `env:"WS_MAX_FRAME_BYTES" envDefault:"65536"`

	RegistryShards int `env:"REGISTRY_SHARDS" envDefault:"64"`
	MaxPending     int `env:"SESSION_MAX_PENDING" envDefault:"1024"`

	BusDriver          string `env:"BUS_DRIVER" envDefault:"nats"`
	BusSubject         string `env:"BUS_SUBJECT" envDefault:"im.events"`
	BusUpstreamSubject string `env:"BUS_UPSTREAM_SUBJECT" envDefault:"im.upstream"`

	NATSURLs     []string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222" envSeparator:","`
	NATSMode     string   `env:"NATS_MODE" envDefault:"core"`
	NATSDurable  string   `env:"NATS_DURABLE"` // js_push only; default gw-<node>
	NATSUser     string   `env:"NATS_USER"`
	NATSPassword string   `env:"NATS_PASSWORD"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envDefault:"127.0.0.1:9092" envSeparator:","`
	KafkaVersion     string   `env:"KAFKA_VERSION" envDefault:"2.1.0"`
	KafkaGroupPrefix string   `env:"KAFKA_GROUP_PREFIX" envDefault:"im-gateway"`
	KafkaAutoCreate  bool     `env:"KAFKA_AUTO_CREATE_TOPICS" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	OfflineBackend string        `env:"OFFLINE_BACKEND" envDefault:"redis"`
	OfflineMaxLen  int64         `env:"OFFLINE_MAX_LEN" envDefault:"10000"`
	OfflineTTL     time.Duration `env:"OFFLINE_TTL" envDefault:"168h"`
	ResyncBatch    int           `env:"RESYNC_BATCH" envDefault:"200"`
	ResyncTimeout  time.Duration `env:"RESYNC_TIMEOUT" envDefault:"10s"`

	PresenceEnabled bool          `env:"PRESENCE_ENABLED" envDefault:"true"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`

	MembershipBackend string        `env:"MEMBERSHIP_BACKEND" envDefault:"none"`
	MembershipTimeout time.Duration `env:"MEMBERSHIP_TIMEOUT" envDefault:"2s"`
	PostgresDSN       string        `env:"PG_DSN"`
	PostgresMaxConns  int32         `env:"PG_MAX_CONNS" envDefault:"10"`
	MongoURI          string        `env:"MONGO_URI"`
	MongoDatabase     string        `env:"MONGO_DATABASE" envDefault:"im"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and then the process environment.
// Values already set in the environment win over the file.
func Load(files ...string) (*AppConfig, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = "gw-" + host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be set (at least 16 bytes)")
	}
	if _, err := bus.ParseDriver(c.BusDriver); err != nil {
		return err
	}
	if strings.TrimSpace(c.BusSubject) == "" {
		return errors.New("BUS_SUBJECT must be set")
	}
	if _, err := natsx.ParseMode(c.NATSMode); err != nil {
		return err
	}
	if _, err := membership.ParseBackend(c.MembershipBackend); err != nil {
		return err
	}
	switch c.OfflineBackend {
	case OfflineRedis, OfflineMemory:
	default:
		return errors.Errorf("unknown offline backend %q (redis/memory)", c.OfflineBackend)
	}
	if c.WSPingInterval <= 0 || c.WSPongWait <= 0 || c.WSWriteWait <= 0 {
		return errors.New("WS_PING_INTERVAL, WS_PONG_WAIT and WS_WRITE_WAIT must be positive")
	}
	if c.WSPongWait <= c.WSPingInterval {
		return errors.Errorf("WS_PONG_WAIT (%s) must exceed WS_PING_INTERVAL (%s)", c.WSPongWait, c.WSPingInterval)
	}
	if c.WSSendQueue <= 0 {
		return errors.New("WS_SEND_QUEUE must be positive")
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return errors.Errorf("SNOWFLAKE_NODE %d out of range 0~1023", c.SnowflakeNode)
	}
	return nil
}

// Durable is the JetStream consumer name; one per node so every node sees
// every event.
func (c *AppConfig) Durable() string {
	if c.NATSDurable != "" {
		return c.NATSDurable
	}
	return sanitize(c.NodeID)
}

// KafkaGroupID is unique per node for the same reason.
func (c *AppConfig) KafkaGroupID() string {
	return c.KafkaGroupPrefix + "-" + sanitize(c.NodeID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
