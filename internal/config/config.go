package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeServe = "serve"
	ModeFeed  = "feed"
)

type Config struct {
	Mode        string            `mapstructure:"mode"`
	Log         LogConfig         `mapstructure:"log"`
	Ring        RingConfig        `mapstructure:"ring"`
	Adapter     AdapterConfig     `mapstructure:"adapter"`
	Orderer     OrdererConfig     `mapstructure:"orderer"`
	PortManager PortManagerConfig `mapstructure:"port_manager"`
	Server      ServerConfig      `mapstructure:"server"`
	Tap         TapConfig         `mapstructure:"tap"`
	Journal     JournalConfig     `mapstructure:"journal"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RingConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollsPerCheck int           `mapstructure:"polls_per_check"`
	// Inputs are files of raw ring items, one ring per file. "-" is stdin.
	Inputs []string `mapstructure:"inputs"`
}

type AdapterConfig struct {
	BodyHeaders        bool          `mapstructure:"body_headers"`
	TimestampExtractor string        `mapstructure:"timestamp_extractor"`
	DefaultSourceID    uint32        `mapstructure:"default_source_id"`
	TimestampOffset    int64         `mapstructure:"timestamp_offset"`
	GrowBy             int           `mapstructure:"grow_by"`
	ValidSources       []uint32      `mapstructure:"valid_sources"`
	EndsExpected       int           `mapstructure:"ends_expected"`
	EndTimeout         time.Duration `mapstructure:"end_timeout"`
}

// OrdererConfig locates the event orderer a feed submits to. With Port 0
// the port is looked up through the port manager.
type OrdererConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Instance    string        `mapstructure:"instance"`
	Description string        `mapstructure:"description"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IOTimeout   time.Duration `mapstructure:"io_timeout"`
	BatchSize   int           `mapstructure:"batch_size"`
}

type PortManagerConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Advertise makes the server allocate its listening port from the
	// port manager under the orderer service name.
	Advertise bool `mapstructure:"advertise"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	MaxConnections int           `mapstructure:"max_connections"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	User           string        `mapstructure:"user"`
	Instance       string        `mapstructure:"instance"`
}

type TapConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	ClientID     string        `mapstructure:"client_id"`
	BarriersOnly bool          `mapstructure:"barriers_only"`
	Linger       time.Duration `mapstructure:"linger"`
	TLS          bool          `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	RoutingPrefix string   `mapstructure:"routing_prefix"`
	Persistent    bool     `mapstructure:"persistent"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("fragorder")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeServe)
	v.SetDefault("log.level", "info")
	v.SetDefault("ring.capacity", 1<<20)
	v.SetDefault("ring.poll_interval", time.Millisecond)
	v.SetDefault("ring.polls_per_check", 100)
	v.SetDefault("adapter.grow_by", 64)
	v.SetDefault("orderer.host", "localhost")
	v.SetDefault("orderer.dial_timeout", 5*time.Second)
	v.SetDefault("orderer.io_timeout", 30*time.Second)
	v.SetDefault("orderer.batch_size", 256)
	v.SetDefault("orderer.description", "fragorder feed")
	v.SetDefault("port_manager.host", "localhost")
	v.SetDefault("port_manager.port", 30000)
	v.SetDefault("port_manager.timeout", 5*time.Second)
	v.SetDefault("server.address", "127.0.0.1:0")
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("tap.kafka.enabled", false)
	v.SetDefault("tap.kafka.topic", "fragorder.fragments")
	v.SetDefault("tap.rabbitmq.enabled", false)
	v.SetDefault("tap.rabbitmq.exchange", "fragorder.runs")
	v.SetDefault("tap.rabbitmq.routing_prefix", "run")
	v.SetDefault("journal.path", "fragorder.db")
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeServe:
		if c.Server.Address == "" {
			return fmt.Errorf("server.address is required")
		}
		if c.Server.MaxConnections < 0 {
			return fmt.Errorf("server.max_connections must be >= 0")
		}
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required")
		}
	case ModeFeed:
		if len(c.Ring.Inputs) == 0 {
			return fmt.Errorf("ring.inputs is required in feed mode")
		}
		if !c.Adapter.BodyHeaders && c.Adapter.TimestampExtractor == "" {
			return fmt.Errorf("adapter.timestamp_extractor is required without body headers")
		}
		if c.Orderer.Port == 0 && c.PortManager.Port == 0 {
			return fmt.Errorf("orderer.port or port_manager.port is required")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Adapter.EndsExpected < 0 {
		return fmt.Errorf("adapter.ends_expected must be >= 0")
	}
	if c.Adapter.EndsExpected > 1 && c.Adapter.EndsExpected > len(c.Adapter.ValidSources) {
		return fmt.Errorf("adapter.ends_expected above 1 needs at least as many adapter.valid_sources")
	}
	if c.Tap.Kafka.Enabled {
		if len(c.Tap.Kafka.Brokers) == 0 {
			return fmt.Errorf("tap.kafka.brokers is required")
		}
		if c.Tap.Kafka.Topic == "" {
			return fmt.Errorf("tap.kafka.topic is required")
		}
	}
	if c.Tap.RabbitMQ.Enabled {
		if c.Tap.RabbitMQ.URL == "" && len(c.Tap.RabbitMQ.Endpoints) == 0 {
			return fmt.Errorf("tap.rabbitmq url or endpoints is required")
		}
		if c.Tap.RabbitMQ.Exchange == "" {
			return fmt.Errorf("tap.rabbitmq.exchange is required")
		}
	}
	return nil
}
