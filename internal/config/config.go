// Package config loads and validates sink configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Storage backends selectable through storage.backend.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	MongoDB     MongoConfig                 `mapstructure:"mongodb"`
	Postgres    PostgresConfig              `mapstructure:"postgres"`
	Storage     StorageConfig               `mapstructure:"storage"`
	Sink        SinkConfig                  `mapstructure:"sink"`
	Server      ServerConfig                `mapstructure:"server"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	PubSub      PubSubConfig                `mapstructure:"pubsub"`
	Collections map[string]CollectionConfig `mapstructure:"collections"`
}

// MongoConfig holds the connection settings. Host, Port and ReplicaSetHosts
// are deprecated aliases folded into URI by Connection.
type MongoConfig struct {
	URI             string        `mapstructure:"uri"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReplicaSet      string        `mapstructure:"replica_set"`
	ReplicaSetHosts string        `mapstructure:"replica_set_hosts"`
	FSync           bool          `mapstructure:"fsync"`
	WriteConcern    int           `mapstructure:"write_concern"`
	Database        string        `mapstructure:"database"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// PostgresConfig controls the JSONB document backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// SinkConfig tunes pipeline behavior shared by all record types.
type SinkConfig struct {
	TimestampField string `mapstructure:"timestamp_field"`
}

// ServerConfig controls the ops HTTP listener; port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig names the topic that receives the run summary. Leaving
// either field empty keeps the summary in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether both the project and the topic are set.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CollectionConfig is the routing entry for one record type. UniqueKey holds a
// single field or an ordered compound key; a plain string in the config file
// is accepted for the single-field case.
type CollectionConfig struct {
	Name            string   `mapstructure:"name"`
	UniqueKey       []string `mapstructure:"unique_key"`
	Buffer          int      `mapstructure:"buffer"`
	AppendTimestamp bool     `mapstructure:"append_timestamp"`
	StopOnDuplicate int      `mapstructure:"stop_on_duplicate"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// mongodb.uri deliberately has no default so a configured deprecated alias
// can still be told apart from an explicit URI.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mongodb.fsync", false)
	v.SetDefault("mongodb.write_concern", 0)
	v.SetDefault("mongodb.database", DefaultDatabase)
	v.SetDefault("mongodb.connect_timeout", "10s")
	v.SetDefault("storage.backend", BackendMongo)
	v.SetDefault("sink.timestamp_field", DefaultTimestampField)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMongo, BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set when storage.backend is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("storage.backend must be one of mongo, postgres, memory; got %q", c.Storage.Backend)
	}
	if c.MongoDB.WriteConcern < 0 {
		return fmt.Errorf("mongodb.write_concern must be >= 0")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Sink.TimestampField == "" {
		return fmt.Errorf("sink.timestamp_field must not be empty")
	}
	if err := ValidateRoutes(c.Collections); err != nil {
		return err
	}
	return nil
}
