package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDirectFirst(t *testing.T) {
	m, err := NewManager([]string{"http://proxy-a:8080", "http://proxy-b:8080"})
	require.NoError(t, err)

	routes := m.Routes()
	require.Len(t, routes, 3)
	assert.True(t, routes[0].Direct(), "first route must be direct")
	assert.Equal(t, DirectRouteName, routes[0].Name)
	assert.Equal(t, "proxy-a:8080", routes[1].ProxyURL.Host, "endpoint order not preserved")
	assert.Equal(t, "proxy-b:8080", routes[2].ProxyURL.Host)
}

func TestNewManagerRejectsInvalidEndpoint(t *testing.T) {
	_, err := NewManager([]string{"not a url"})
	assert.Error(t, err, "malformed endpoint must be rejected")

	_, err = NewManager([]string{"/no-scheme"})
	assert.Error(t, err, "endpoint without scheme must be rejected")
}

func TestSelectSkipsTriedRoutes(t *testing.T) {
	m, err := NewManager([]string{"http://proxy-a:8080"})
	require.NoError(t, err)

	tried := make(map[string]bool)

	route, err := m.Select(tried)
	require.NoError(t, err)
	assert.True(t, route.Direct(), "expected direct route first")
	tried[route.Name] = true

	route, err = m.Select(tried)
	require.NoError(t, err)
	assert.False(t, route.Direct(), "expected proxy route after direct was tried")
	tried[route.Name] = true

	_, err = m.Select(tried)
	assert.ErrorIs(t, err, ErrRoutingExhausted)
}

func TestMarkFailure(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	m.MarkFailure(DirectRouteName)
	m.MarkFailure(DirectRouteName)

	assert.Equal(t, 2, m.Failures(DirectRouteName))
	assert.Equal(t, 0, m.Failures("proxy-1"), "untouched route must have no failures")
}
