package sink

import (
	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
)

// Router maps a declared record type to its routing entry.
type Router struct {
	routes config.Routes
}

// NewRouter validates that routes carry a "default" entry.
func NewRouter(routes config.Routes) (*Router, error) {
	if _, ok := routes[config.DefaultType]; !ok {
		return nil, &config.ConfigurationError{
			Key:    "collections." + config.DefaultType,
			Reason: "a default collection entry is required",
		}
	}
	return &Router{routes: routes}, nil
}

// Route returns the routing key and entry for declaredType, falling back to
// the "default" entry for unknown types.
func (r *Router) Route(declaredType string) (string, config.CollectionConfig) {
	key := config.TypeKey(declaredType)
	if entry, ok := r.routes[key]; ok {
		return key, entry
	}
	return config.DefaultType, r.routes[config.DefaultType]
}
