package config

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/synclab/collabd/internal/common/cnst"
)

type (
	// Config is the root configuration for the collabd engine
	Config struct {
		Logger    LoggerConfig    `yaml:"logger"`
		Redis     RedisConfig     `yaml:"redis"`
		Messenger MessengerConfig `yaml:"messenger"`
		Events    EventsConfig    `yaml:"events"`
		Collab    CollabConfig    `yaml:"collab"`
		Metrics   MetricsConfig   `yaml:"metrics"`
	}

	// RedisConfig represents a Redis connection shared by the messenger and
	// the event stream
	RedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, cluster or sentinel
		Addr        string `yaml:"addr"`         // host:port, multiple addrs separated by , or ;
		MasterName  string `yaml:"master_name"`  // sentinel master name
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"`
	}

	// MessengerConfig selects the presence transport backend
	MessengerConfig struct {
		Type              string        `yaml:"type"`               // "memory" or "redis"
		Topic             string        `yaml:"topic"`              // bus pub/sub channel
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // presence refresh cadence
		InstanceTimeout   time.Duration `yaml:"instance_timeout"`   // staleness threshold for dead instances
	}

	// EventsConfig selects the domain-change event stream backend
	EventsConfig struct {
		Type   string `yaml:"type"`   // "channel" or "redis"
		Stream string `yaml:"stream"` // redis stream name
	}

	// CollabConfig represents the collaboration handler configuration
	CollabConfig struct {
		ClusterCleanupInterval  time.Duration `yaml:"cluster_cleanup_interval"` // dead-instance sweep cadence
		LocalCleanupInterval    time.Duration `yaml:"local_cleanup_interval"`   // local roster reconcile cadence
		EventQueueSize          int           `yaml:"event_queue_size"`         // buffered events awaiting the ordered worker
		PermissionCacheCapacity int           `yaml:"permission_cache_capacity"`
		PermissionCacheMaxTTL   time.Duration `yaml:"permission_cache_max_ttl"` // cap for volatile (time-relative) entries
	}

	// MetricsConfig represents the prometheus metrics configuration
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Addr      string    `yaml:"addr"` // listen address of the /metrics endpoint
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	// Resolve environment variables
	data = resolveEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()

	return &cfg, nil
}

// SetDefaults fills in zero values after unmarshalling
func (c *Config) SetDefaults() {
	if c.Redis.ClusterType == "" {
		c.Redis.ClusterType = "single"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "collabd"
	}
	if c.Messenger.Type == "" {
		c.Messenger.Type = "memory"
	}
	if c.Messenger.Topic == "" {
		c.Messenger.Topic = cnst.CollabBusTopic
	}
	if c.Messenger.HeartbeatInterval <= 0 {
		c.Messenger.HeartbeatInterval = 10 * time.Second
	}
	if c.Messenger.InstanceTimeout <= 0 {
		c.Messenger.InstanceTimeout = time.Minute
	}
	if c.Events.Type == "" {
		c.Events.Type = "channel"
	}
	if c.Events.Stream == "" {
		c.Events.Stream = cnst.EventStreamName
	}
	if c.Collab.ClusterCleanupInterval <= 0 {
		c.Collab.ClusterCleanupInterval = 5 * time.Minute
	}
	if c.Collab.LocalCleanupInterval <= 0 {
		c.Collab.LocalCleanupInterval = 30 * time.Second
	}
	if c.Collab.EventQueueSize <= 0 {
		c.Collab.EventQueueSize = 1024
	}
	if c.Collab.PermissionCacheCapacity <= 0 {
		c.Collab.PermissionCacheCapacity = 5000
	}
	if c.Collab.PermissionCacheMaxTTL <= 0 {
		c.Collab.PermissionCacheMaxTTL = time.Hour
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "collabd"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}

		return []byte(defaultValue)
	})
}
