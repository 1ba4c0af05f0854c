package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/companyinfo/leaselock"
	"github.com/companyinfo/leaselock/redisstore"
)

// Config holds the demo configuration.
type Config struct {
	Backends  []string          `koanf:"backends"`
	Lock      LockConfig        `koanf:"lock"`
	Demo      DemoConfig        `koanf:"demo"`
	Logging   LoggingConfig     `koanf:"logging"`
	Redis     redisstore.Config `koanf:"redis"`
	Postgres  PostgresConfig    `koanf:"postgres"`
	DynamoDB  DynamoDBConfig    `koanf:"dynamodb"`
	Hazelcast HazelcastConfig   `koanf:"hazelcast"`
	Etcd      EtcdConfig        `koanf:"etcd"`
	ZooKeeper ZooKeeperConfig   `koanf:"zookeeper"`
	MongoDB   MongoDBConfig     `koanf:"mongodb"`
	Consul    ConsulConfig      `koanf:"consul"`
}

type LockConfig struct {
	Name             string        `koanf:"name"`
	Prefix           string        `koanf:"prefix"`
	Lease            time.Duration `koanf:"lease"`
	RetryInterval    time.Duration `koanf:"retry_interval"`
	SafetyMargin     time.Duration `koanf:"safety_margin"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
}

type DemoConfig struct {
	Workers int           `koanf:"workers"` // Simulated processes, each with its own Client.
	Hold    time.Duration `koanf:"hold"`    // Time spent inside the critical section.
	Timeout time.Duration `koanf:"timeout"` // Upper bound for the whole run per backend.
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type DynamoDBConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Table    string `koanf:"table"`
}

type HazelcastConfig struct {
	Addresses []string `koanf:"addresses"`
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type ZooKeeperConfig struct {
	Servers        []string      `koanf:"servers"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
}

type MongoDBConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

type ConsulConfig struct {
	Address string `koanf:"address"`
}

var knownBackends = []string{
	leaselock.BackendMemory,
	leaselock.BackendRedis,
	leaselock.BackendPostgres,
	leaselock.BackendDynamoDB,
	leaselock.BackendHazelcast,
	leaselock.BackendEtcd,
	leaselock.BackendZooKeeper,
	leaselock.BackendMongoDB,
	leaselock.BackendConsul,
}

// loadConfig reads configuration from the given YAML file path.
func loadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// options turns the lock section into Client options.
func (c LockConfig) options() []leaselock.OptionFunc {
	return []leaselock.OptionFunc{
		leaselock.WithPrefix(c.Prefix),
		leaselock.WithLeaseDuration(c.Lease),
		leaselock.WithRetryInterval(c.RetryInterval),
		leaselock.WithSafetyMargin(c.SafetyMargin),
		leaselock.WithOperationTimeout(c.OperationTimeout),
	}
}

func setDefaults(cfg *Config) {
	if len(cfg.Backends) == 0 {
		cfg.Backends = []string{leaselock.BackendMemory}
	}
	if cfg.Lock.Name == "" {
		cfg.Lock.Name = leaselock.DefaultLockName
	}
	if cfg.Lock.Prefix == "" {
		cfg.Lock.Prefix = leaselock.DefaultPrefix
	}
	if cfg.Lock.Lease <= 0 {
		cfg.Lock.Lease = leaselock.DefaultLeaseDuration
	}
	if cfg.Lock.RetryInterval <= 0 {
		cfg.Lock.RetryInterval = leaselock.DefaultRetryInterval
	}
	if cfg.Lock.SafetyMargin <= 0 {
		cfg.Lock.SafetyMargin = leaselock.DefaultSafetyMargin
	}
	if cfg.Lock.OperationTimeout <= 0 {
		cfg.Lock.OperationTimeout = leaselock.DefaultOperationTimeout
	}
	if cfg.Demo.Workers <= 0 {
		cfg.Demo.Workers = 5
	}
	if cfg.Demo.Hold <= 0 {
		cfg.Demo.Hold = 2 * time.Second
	}
	if cfg.Demo.Timeout <= 0 {
		cfg.Demo.Timeout = time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	redisDefaults := redisstore.DefaultConfig()
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = redisDefaults.Host
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = redisDefaults.Port
	}
	if cfg.Redis.MaxActive == 0 {
		cfg.Redis.MaxActive = redisDefaults.MaxActive
	}
	if cfg.Redis.MaxIdle == 0 {
		cfg.Redis.MaxIdle = min(redisDefaults.MaxIdle, cfg.Redis.MaxActive)
	}
	if cfg.Redis.MaxWait == 0 {
		cfg.Redis.MaxWait = redisDefaults.MaxWait
	}

	if cfg.DynamoDB.Region == "" {
		cfg.DynamoDB.Region = "us-east-1"
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		cfg.Etcd.Endpoints = []string{"http://localhost:2379"}
	}
	if cfg.Etcd.DialTimeout <= 0 {
		cfg.Etcd.DialTimeout = 10 * time.Second
	}
	if len(cfg.ZooKeeper.Servers) == 0 {
		cfg.ZooKeeper.Servers = []string{"localhost:2181"}
	}
	if cfg.ZooKeeper.SessionTimeout <= 0 {
		cfg.ZooKeeper.SessionTimeout = 10 * time.Second
	}
	if cfg.MongoDB.URI == "" {
		cfg.MongoDB.URI = "mongodb://localhost:27017"
	}
	if cfg.Consul.Address == "" {
		cfg.Consul.Address = "http://localhost:8500"
	}
}

func validate(cfg *Config) error {
	for _, name := range cfg.Backends {
		if !slices.Contains(knownBackends, name) {
			return fmt.Errorf("unknown backend %q", name)
		}
	}

	if cfg.Lock.SafetyMargin >= cfg.Lock.Lease {
		return fmt.Errorf("lock.safety_margin %v must be shorter than lock.lease %v",
			cfg.Lock.SafetyMargin, cfg.Lock.Lease)
	}

	if slices.Contains(cfg.Backends, leaselock.BackendRedis) {
		if err := cfg.Redis.Validate(); err != nil {
			return fmt.Errorf("invalid redis config: %w", err)
		}
	}

	if slices.Contains(cfg.Backends, leaselock.BackendPostgres) && cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}

	return nil
}
