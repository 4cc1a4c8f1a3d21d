// Package editconfig loads the collaboration server configuration.
//
// Configuration comes from an optional YAML file named by --config or the
// COLLAB_CONFIG environment variable. Flags given on the command line are
// applied on top of the file. The result is validated once.
package editconfig

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"collabsync/collab/editbus"
	"collabsync/collab/editstore"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "COLLAB_CONFIG"

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Bus     BusConfig     `yaml:"bus"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig configures the websocket endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// NodeNumber seeds connection ids and must differ between nodes.
	NodeNumber   int64         `yaml:"nodeNumber"`
	QueueSize    int           `yaml:"queueSize"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// BusConfig selects the cross-node bus.
type BusConfig struct {
	Type            string        `yaml:"type"`
	NodeID          string        `yaml:"nodeId"`
	ConsumerThreads int           `yaml:"consumerThreads"`
	RollupTimeout   time.Duration `yaml:"rollupTimeout"`
	Redis           RedisConfig   `yaml:"redis"`
	Kafka           KafkaConfig   `yaml:"kafka"`
	Gossip          GossipConfig  `yaml:"gossip"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channelPrefix"`
	Stream        string `yaml:"stream"`
	GroupPrefix   string `yaml:"groupPrefix"`
	MaxLen        int64  `yaml:"maxLen"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	GroupPrefix string   `yaml:"groupPrefix"`
}

type GossipConfig struct {
	ListenAddrs    []string `yaml:"listenAddrs"`
	BootstrapPeers []string `yaml:"bootstrapPeers"`
	TopicPrefix    string   `yaml:"topicPrefix"`
	Rendezvous     string   `yaml:"rendezvous"`
}

// StorageConfig selects the command log backend.
type StorageConfig struct {
	Type     string        `yaml:"type"`
	DSN      string        `yaml:"dsn"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns a single-node configuration with in-memory storage.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			QueueSize:    256,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Bus: BusConfig{
			Type:            editbus.TypeNoop,
			ConsumerThreads: 4,
			RollupTimeout:   30 * time.Second,
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				ChannelPrefix: "collab:",
				Stream:        "collab:operations",
				GroupPrefix:   "collab",
				MaxLen:        100000,
			},
			Kafka: KafkaConfig{
				Brokers:     []string{"localhost:9092"},
				Topic:       "collab-operations",
				GroupPrefix: "collab",
			},
			Gossip: GossipConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
				TopicPrefix: "collab/",
			},
		},
		Storage: StorageConfig{
			Type:    editstore.TypeMemory,
			Timeout: 10 * time.Second,
		},
	}
}

func bindFlags(fs *pflag.FlagSet, cfg *Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "path to a YAML config file (env "+EnvConfigPath+")")

	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.Int64Var(&cfg.Server.NodeNumber, "node-number", cfg.Server.NodeNumber, "connection id node number (0-1023)")
	fs.IntVar(&cfg.Server.QueueSize, "queue-size", cfg.Server.QueueSize, "outbound messages buffered per connection")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Log.Development, "log-development", cfg.Log.Development, "human readable development logging")

	fs.StringVar(&cfg.Bus.Type, "bus-type", cfg.Bus.Type, "session bus: noop, memory, redis, redis-streams, kafka, gossip")
	fs.StringVar(&cfg.Bus.NodeID, "node-id", cfg.Bus.NodeID, "bus node id (random when empty)")
	fs.IntVar(&cfg.Bus.ConsumerThreads, "consumer-threads", cfg.Bus.ConsumerThreads, "bus consumer goroutines")
	fs.DurationVar(&cfg.Bus.RollupTimeout, "rollup-timeout", cfg.Bus.RollupTimeout, "idle time before a document is rolled up")
	fs.StringVar(&cfg.Bus.Redis.Addr, "redis-addr", cfg.Bus.Redis.Addr, "Redis address")
	fs.StringVar(&cfg.Bus.Redis.Password, "redis-password", cfg.Bus.Redis.Password, "Redis password")
	fs.StringSliceVar(&cfg.Bus.Kafka.Brokers, "kafka-brokers", cfg.Bus.Kafka.Brokers, "Kafka brokers")
	fs.StringVar(&cfg.Bus.Kafka.Topic, "kafka-topic", cfg.Bus.Kafka.Topic, "Kafka topic")
	fs.StringSliceVar(&cfg.Bus.Gossip.ListenAddrs, "gossip-listen", cfg.Bus.Gossip.ListenAddrs, "libp2p listen multiaddrs")
	fs.StringSliceVar(&cfg.Bus.Gossip.BootstrapPeers, "gossip-bootstrap", cfg.Bus.Gossip.BootstrapPeers, "libp2p peers to dial on start")
	fs.StringVar(&cfg.Bus.Gossip.Rendezvous, "gossip-rendezvous", cfg.Bus.Gossip.Rendezvous, "DHT discovery namespace (disabled when empty)")

	fs.StringVar(&cfg.Storage.Type, "storage-type", cfg.Storage.Type, "storage: memory, postgres, mongo")
	fs.StringVar(&cfg.Storage.DSN, "storage-dsn", cfg.Storage.DSN, "storage connection string")
	fs.StringVar(&cfg.Storage.Database, "storage-database", cfg.Storage.Database, "Mongo database name")
	fs.DurationVar(&cfg.Storage.Timeout, "storage-timeout", cfg.Storage.Timeout, "timeout of a single storage call")
}

// Load builds the configuration from defaults, the config file and args.
// pflag.ErrHelp is returned when help was requested.
func Load(name string, args []string) (Config, error) {
	var path string
	probe := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	bindFlags(fs, &probe, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Parsing again onto the file values applies only the flags that were set.
	fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	bindFlags(fs, &cfg, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	switch c.Bus.Type {
	case editbus.TypeNoop, editbus.TypeMemory, editbus.TypeRedis, editbus.TypeRedisStreams, editbus.TypeKafka, editbus.TypeGossip:
	default:
		errs = append(errs, fmt.Errorf("bus.type: %w: %q", editbus.ErrUnsupportedBusType, c.Bus.Type))
	}
	switch c.Storage.Type {
	case editstore.TypeMemory, editstore.TypePostgres, editstore.TypeMongo:
	default:
		errs = append(errs, fmt.Errorf("storage.type: %w: %q", editstore.ErrUnsupportedStorageType, c.Storage.Type))
	}

	if c.Bus.ConsumerThreads <= 0 {
		errs = append(errs, errors.New("bus.consumerThreads must be positive"))
	}
	if c.Bus.RollupTimeout <= 0 {
		errs = append(errs, errors.New("bus.rollupTimeout must be positive"))
	}
	if c.Storage.Timeout <= 0 {
		errs = append(errs, errors.New("storage.timeout must be positive"))
	}
	if c.Storage.Type != editstore.TypeMemory && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Type))
	}
	if c.Bus.Type == editbus.TypeKafka && len(c.Bus.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("bus.kafka.brokers is required for kafka"))
	}
	if c.Server.NodeNumber < 0 || c.Server.NodeNumber > 1023 {
		errs = append(errs, errors.New("server.nodeNumber must be between 0 and 1023"))
	}
	if c.Server.QueueSize <= 0 {
		errs = append(errs, errors.New("server.queueSize must be positive"))
	}
	return errors.Join(errs...)
}

// BusOptions maps the bus settings onto editbus.Options. A random node id is
// generated when none is configured.
func (c BusConfig) BusOptions() editbus.Options {
	nodeID := c.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return editbus.Options{
		Type:            c.Type,
		NodeID:          nodeID,
		ConsumerThreads: c.ConsumerThreads,
		RollupTimeout:   c.RollupTimeout,
		Redis: editbus.RedisOptions{
			Addr:          c.Redis.Addr,
			Password:      c.Redis.Password,
			DB:            c.Redis.DB,
			ChannelPrefix: c.Redis.ChannelPrefix,
			Stream:        c.Redis.Stream,
			GroupPrefix:   c.Redis.GroupPrefix,
			MaxLen:        c.Redis.MaxLen,
		},
		Kafka: editbus.KafkaOptions{
			Brokers:     c.Kafka.Brokers,
			Topic:       c.Kafka.Topic,
			GroupPrefix: c.Kafka.GroupPrefix,
		},
		Gossip: editbus.GossipConfig{
			ListenAddrs:    c.Gossip.ListenAddrs,
			BootstrapPeers: c.Gossip.BootstrapPeers,
			TopicPrefix:    c.Gossip.TopicPrefix,
			Rendezvous:     c.Gossip.Rendezvous,
		},
	}
}

// StorageOptions maps the storage settings onto editstore.Options.
func (c StorageConfig) StorageOptions() editstore.Options {
	return editstore.Options{
		Type:     c.Type,
		DSN:      c.DSN,
		Database: c.Database,
	}
}
