package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. UPGRADE_DATABASE_HOST
const EnvPrefix = "UPGRADE"

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so that environment variables are picked
// up for keys absent from the config file
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("grpc.enabled", d.GRPC.Enabled)
	v.SetDefault("grpc.port", d.GRPC.Port)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.inventory", d.Store.Inventory)

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.database", d.Database.Database)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.min_connections", d.Database.MinConnections)

	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.lock_ttl", d.Redis.LockTTL)

	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.port", d.SSH.Port)
	v.SetDefault("ssh.private_key_path", d.SSH.PrivateKeyPath)
	v.SetDefault("ssh.known_hosts_path", d.SSH.KnownHostsPath)
	v.SetDefault("ssh.connect_timeout", d.SSH.ConnectTimeout)

	v.SetDefault("upgrade.instance_id", d.Upgrade.InstanceID)
	v.SetDefault("upgrade.target_platform", d.Upgrade.TargetPlatform)
	v.SetDefault("upgrade.admin_architecture", d.Upgrade.AdminArchitecture)
	v.SetDefault("upgrade.core_role", d.Upgrade.CoreRole)
	v.SetDefault("upgrade.restart_reason", d.Upgrade.RestartReason)
	v.SetDefault("upgrade.cluster_roles", d.Upgrade.ClusterRoles)
	v.SetDefault("upgrade.network_check_timeout", d.Upgrade.NetworkCheckTimeout)

	v.SetDefault("repositories.catalog_path", d.Repositories.CatalogPath)
	v.SetDefault("repositories.root", d.Repositories.Root)

	v.SetDefault("restart_management.enabled", d.RestartManagement.Enabled)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// BuildCatalog returns the built-in feature catalog with the configured
// service overrides applied. Unknown cookbooks are rejected.
func (c *Config) BuildCatalog() (*model.Catalog, error) {
	catalog := model.DefaultCatalog()
	if len(c.Catalog.Services) == 0 {
		return catalog, nil
	}
	catalog, err := catalog.WithCookbookServices(c.Catalog.Services)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog.services: %w", err)
	}
	return catalog, nil
}
