package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Library defaults applied to any setting left unset.
const (
	DefaultType           = "default"
	DefaultCollectionName = "items"
	DefaultURI            = "mongodb://localhost:27017"
	DefaultMongoPort      = 27017
	DefaultDatabase       = "crawl-ingest"
	DefaultTimestampField = "ingest"
)

// ConfigurationError reports an invalid setting detected at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Routes is the resolved routing table keyed by lowercased record type.
// Viper folds map keys to lower case, so type matching is case-insensitive.
type Routes map[string]CollectionConfig

// Types returns the configured record types in sorted order.
func (r Routes) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LibraryDefaults returns the built-in routing table: a single "default"
// entry writing to the "items" collection with no key, buffer or timestamp.
func LibraryDefaults() Routes {
	return Routes{DefaultType: libraryEntry()}
}

func libraryEntry() CollectionConfig {
	return CollectionConfig{Name: DefaultCollectionName}
}

// Resolve merges overrides onto defaults. Each override entry starts from the
// matching default entry when one exists, otherwise from the library entry;
// set fields in the override win. The result always holds a "default" entry.
func Resolve(defaults Routes, overrides map[string]CollectionConfig) (Routes, error) {
	out := make(Routes, len(defaults)+len(overrides)+1)
	for t, entry := range defaults {
		out[TypeKey(t)] = normalize(entry)
	}
	for t, o := range overrides {
		t = TypeKey(t)
		base, ok := out[t]
		if !ok {
			base = libraryEntry()
		}
		out[t] = normalize(merge(base, o))
	}
	if _, ok := out[DefaultType]; !ok {
		out[DefaultType] = libraryEntry()
	}
	if err := ValidateRoutes(out); err != nil {
		return nil, err
	}
	for t, entry := range out {
		if entry.Name == "" {
			return nil, &ConfigurationError{Key: routeKey(t, "name"), Reason: "collection name must not be empty"}
		}
	}
	return out, nil
}

// TypeKey canonicalizes a record type name for routing lookups.
func TypeKey(recordType string) string {
	return strings.ToLower(strings.TrimSpace(recordType))
}

// Routes resolves the configured collections against the library defaults.
func (c Config) Routes() (Routes, error) {
	return Resolve(LibraryDefaults(), c.Collections)
}

// ValidateRoutes rejects negative thresholds. It runs before any connection
// is attempted.
func ValidateRoutes(routes map[string]CollectionConfig) error {
	types := make([]string, 0, len(routes))
	for t := range routes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		entry := routes[t]
		if entry.StopOnDuplicate < 0 {
			return &ConfigurationError{
				Key:    routeKey(t, "stop_on_duplicate"),
				Reason: "negative values are not allowed",
			}
		}
		if entry.Buffer < 0 {
			return &ConfigurationError{Key: routeKey(t, "buffer"), Reason: "negative values are not allowed"}
		}
	}
	return nil
}

func merge(base, o CollectionConfig) CollectionConfig {
	if o.Name != "" {
		base.Name = o.Name
	}
	if len(o.UniqueKey) > 0 {
		base.UniqueKey = append([]string(nil), o.UniqueKey...)
	}
	if o.Buffer != 0 {
		base.Buffer = o.Buffer
	}
	if o.AppendTimestamp {
		base.AppendTimestamp = true
	}
	if o.StopOnDuplicate != 0 {
		base.StopOnDuplicate = o.StopOnDuplicate
	}
	return base
}

func normalize(entry CollectionConfig) CollectionConfig {
	entry.Name = strings.TrimSpace(entry.Name)
	var keys []string
	for _, k := range entry.UniqueKey {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	entry.UniqueKey = keys
	return entry
}

func routeKey(recordType, field string) string {
	return fmt.Sprintf("collections.%s.%s", recordType, field)
}

// Connection is the resolved store connection.
type Connection struct {
	URI            string
	Database       string
	ReplicaSet     string
	FSync          bool
	WriteConcern   int
	ConnectTimeout time.Duration
}

// Connection folds the deprecated host/port and replica-set-hosts settings
// into a URI. Precedence: uri, then replica_set_hosts (only with a replica
// set), then host/port, then DefaultURI. The returned notices describe every
// deprecated setting in use.
func (m MongoConfig) Connection() (Connection, []string) {
	var notices []string
	uri := DefaultURI
	if m.Host != "" {
		notices = append(notices, "mongodb.host is deprecated, use mongodb.uri")
		port := DefaultMongoPort
		if m.Port != 0 {
			notices = append(notices, "mongodb.port is deprecated, use mongodb.uri")
			port = m.Port
		}
		uri = fmt.Sprintf("mongodb://%s:%d", m.Host, port)
	}
	if m.ReplicaSet != "" && m.ReplicaSetHosts != "" {
		notices = append(notices, "mongodb.replica_set_hosts is deprecated, use mongodb.uri")
		uri = "mongodb://" + m.ReplicaSetHosts
	}
	if m.URI != "" {
		uri = m.URI
	}
	database := m.Database
	if database == "" {
		database = DefaultDatabase
	}
	return Connection{
		URI:            uri,
		Database:       database,
		ReplicaSet:     m.ReplicaSet,
		FSync:          m.FSync,
		WriteConcern:   m.WriteConcern,
		ConnectTimeout: m.ConnectTimeout,
	}, notices
}
