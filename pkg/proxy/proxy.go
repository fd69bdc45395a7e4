// Package proxy manages the ordered set of egress routes used when a
// resource host blocks direct fetches. The direct route is always tried
// first; configured proxy endpoints follow in order.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// ErrRoutingExhausted is returned when every route has been tried
var ErrRoutingExhausted = errors.New("all egress routes exhausted")

// DirectRouteName identifies the proxyless route
const DirectRouteName = "direct"

// Route is a single egress path. A nil ProxyURL means a direct connection.
type Route struct {
	Name     string
	ProxyURL *url.URL
}

// Direct reports whether the route bypasses any proxy
func (r Route) Direct() bool {
	return r.ProxyURL == nil
}

// Manager holds the ordered route list and per-route failure bookkeeping
type Manager struct {
	mu       sync.RWMutex
	routes   []Route
	failures map[string]routeFailure
}

type routeFailure struct {
	count    int
	lastSeen time.Time
}

// NewManager builds a manager from configured proxy endpoints. The direct
// route always comes first; endpoints keep their configured order.
func NewManager(endpoints []string) (*Manager, error) {
	routes := []Route{{Name: DirectRouteName}}

	for i, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy endpoint %q: %w", endpoint, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy endpoint %q: scheme and host are required", endpoint)
		}
		routes = append(routes, Route{
			Name:     fmt.Sprintf("proxy-%d", i+1),
			ProxyURL: u,
		})
	}

	return &Manager{
		routes:   routes,
		failures: make(map[string]routeFailure),
	}, nil
}

// Routes returns the ordered route list
func (m *Manager) Routes() []Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Route, len(m.routes))
	copy(out, m.routes)
	return out
}

// Select returns the first route not present in tried, in configured
// order. When every route has been tried it returns ErrRoutingExhausted.
func (m *Manager) Select(tried map[string]bool) (Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, route := range m.routes {
		if !tried[route.Name] {
			return route, nil
		}
	}
	return Route{}, ErrRoutingExhausted
}

// MarkFailure records a failed fetch through the named route
func (m *Manager) MarkFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.failures[name]
	f.count++
	f.lastSeen = time.Now()
	m.failures[name] = f
}

// Failures returns the recorded failure count for the named route
func (m *Manager) Failures(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.failures[name].count
}
