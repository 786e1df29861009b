// Package registry holds the station routing table consulted by the
// handshake handlers.
package registry

import (
	"sort"
	"sync"
)

// Route describes where a station is redirected and where its connection
// requests are expected to come from.
type Route struct {
	// Name is the station name carried in connection-request frames. Names
	// are case-sensitive.
	Name string `json:"name"`

	// ExpectedProviderAddress is the IP address a legitimate connection
	// request for this station should originate from.
	ExpectedProviderAddress string `json:"provider_address"`

	// ConsumerAddress and ConsumerPort identify the data consumer the
	// station is redirected to.
	ConsumerAddress string `json:"consumer_address"`
	ConsumerPort    uint16 `json:"consumer_port"`
}

// Registry is a concurrency-safe map of station name to Route. Re-registering
// a name replaces the previous route.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{routes: make(map[string]Route)}
}

// Register inserts or replaces the route for name. Addresses are stored as
// given; validation happens when configuration is loaded.
func (r *Registry) Register(name, expectedProviderAddress, consumerAddress string, consumerPort uint16) {
	r.mu.Lock()
	r.routes[name] = Route{
		Name:                    name,
		ExpectedProviderAddress: expectedProviderAddress,
		ConsumerAddress:         consumerAddress,
		ConsumerPort:            consumerPort,
	}
	r.mu.Unlock()
}

// Unregister removes the route for name if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.routes, name)
	r.mu.Unlock()
}

// Lookup returns the current route for name.
func (r *Registry) Lookup(name string) (Route, bool) {
	r.mu.RLock()
	route, ok := r.routes[name]
	r.mu.RUnlock()
	return route, ok
}

// Count returns the number of registered stations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Routes returns a copy of all routes sorted by station name.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	result := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		result = append(result, route)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
