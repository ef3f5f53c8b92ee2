package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiaoruiguo/crowbar-core/internal/client"
)

// Config represents the upgrade coordinator configuration
type Config struct {
	Server            ServerConfig            `mapstructure:"server"`
	GRPC              GRPCConfig              `mapstructure:"grpc"`
	Store             StoreConfig             `mapstructure:"store"`
	Database          DatabaseConfig          `mapstructure:"database"`
	Redis             RedisConfig             `mapstructure:"redis"`
	SSH               SSHConfig               `mapstructure:"ssh"`
	Upgrade           UpgradeConfig           `mapstructure:"upgrade"`
	Repositories      RepositoriesConfig      `mapstructure:"repositories"`
	Catalog           CatalogConfig           `mapstructure:"catalog"`
	Commands          map[string]string       `mapstructure:"commands"`
	RestartManagement RestartManagementConfig `mapstructure:"restart_management"`
	Metrics           MetricsConfig           `mapstructure:"metrics"`
	Logging           LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig represents the operator HTTP API configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RateLimit is the number of requests per second accepted from a client.
	// Zero disables rate limiting.
	RateLimit int `mapstructure:"rate_limit"`
	RateBurst int `mapstructure:"rate_burst"`
}

// GRPCConfig represents the gRPC health server configuration
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// StoreConfig selects the storage backend
type StoreConfig struct {
	// Backend is memory or postgres. The postgres backend keeps the upgrade
	// state and transition lock in Redis.
	Backend string `mapstructure:"backend"`
	// Inventory is the YAML node inventory loaded by the memory backend
	Inventory string `mapstructure:"inventory"`
}

// DatabaseConfig represents the PostgreSQL node directory and policy store
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the Redis upgrade state store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	// LockTTL bounds how long a crashed coordinator holds the transition lock
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// SSHConfig represents the remote command runner configuration
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// UpgradeConfig represents the orchestrator configuration
type UpgradeConfig struct {
	InstanceID        string   `mapstructure:"instance_id"`
	TargetPlatform    string   `mapstructure:"target_platform"`
	AdminArchitecture string   `mapstructure:"admin_architecture"`
	CoreRole          string   `mapstructure:"core_role"`
	RestartReason     string   `mapstructure:"restart_reason"`
	ClusterRoles      []string `mapstructure:"cluster_roles"`
	// NetworkCheckTimeout bounds each connection attempt of the network check
	NetworkCheckTimeout time.Duration `mapstructure:"network_check_timeout"`
}

// RepositoriesConfig locates the repository catalog
type RepositoriesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
	Root        string `mapstructure:"root"`
}

// CatalogConfig overrides the built-in feature catalog
type CatalogConfig struct {
	// Services replaces the service list of known cookbooks
	Services map[string][]string `mapstructure:"services"`
}

// RestartManagementConfig gates the experimental restart management API
type RestartManagementConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return errors.New("grpc.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}

	switch c.Store.Backend {
	case BackendMemory:
		if c.Store.Inventory == "" {
			return errors.New("store.inventory is required for the memory backend")
		}
	case BackendPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
		if c.Redis.Host == "" {
			return errors.New("redis.host is required")
		}
	default:
		return fmt.Errorf("store.backend must be one of: %s, %s", BackendMemory, BackendPostgres)
	}

	if c.SSH.User == "" {
		return errors.New("ssh.user is required")
	}
	if c.Upgrade.TargetPlatform == "" {
		return errors.New("upgrade.target_platform is required")
	}
	if c.Upgrade.CoreRole == "" {
		return errors.New("upgrade.core_role is required")
	}
	if c.Repositories.CatalogPath == "" {
		return errors.New("repositories.catalog_path is required")
	}
	for action := range c.Commands {
		if !isKnownAction(action) {
			return fmt.Errorf("commands.%s is not a known action", action)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if !isValidLogFormat(c.Logging.Format) {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

func isKnownAction(name string) bool {
	for _, action := range client.AllActions {
		if string(action) == name {
			return true
		}
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "json", "console":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // upgrade operations block until every node reported
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Port:    50051,
		},
		Store: StoreConfig{
			Backend:   BackendMemory,
			Inventory: "/etc/crowbar/inventory.yaml",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "crowbar",
			User:           "crowbar",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
			LockTTL:  30 * time.Second,
		},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			PrivateKeyPath: "/root/.ssh/id_rsa",
			KnownHostsPath: "/root/.ssh/known_hosts",
			ConnectTimeout: 10 * time.Second,
		},
		Upgrade: UpgradeConfig{
			TargetPlatform:      "suse-12.3",
			AdminArchitecture:   "x86_64",
			CoreRole:            "crowbar",
			RestartReason:       "stopped for upgrade",
			ClusterRoles:        []string{"database-server", "rabbitmq-server", "keystone-server", "nova-controller"},
			NetworkCheckTimeout: 5 * time.Second,
		},
		Repositories: RepositoriesConfig{
			CatalogPath: "/etc/crowbar/repos.yml",
			Root:        "/srv/tftpboot",
		},
		RestartManagement: RestartManagementConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
