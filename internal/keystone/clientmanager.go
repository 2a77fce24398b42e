package keystone

import (
	"sync"

	"github.com/go-logr/logr"
)

// ClientManagerConfig configures the shared client manager
type ClientManagerConfig struct {
	// MaxConcurrentRequests caps in-flight Keystone API requests across all
	// managed clients; zero means no cap
	MaxConcurrentRequests int
}

// ClientManager hands out shared Keystone clients keyed by deployment and
// recreates them when the credentials change. All clients share one request
// limiter.
type ClientManager struct {
	mu      sync.Mutex
	clients map[string]*managedClient
	limiter chan struct{}
	log     logr.Logger
}

type managedClient struct {
	cfg    Config
	client *Client
}

// NewClientManager creates a client manager without a request cap
func NewClientManager(log logr.Logger) *ClientManager {
	return NewClientManagerWithConfig(log, ClientManagerConfig{})
}

// NewClientManagerWithConfig creates a client manager with the given limits
func NewClientManagerWithConfig(log logr.Logger, cfg ClientManagerConfig) *ClientManager {
	var limiter chan struct{}
	if cfg.MaxConcurrentRequests > 0 {
		limiter = make(chan struct{}, cfg.MaxConcurrentRequests)
	}
	return &ClientManager{
		clients: make(map[string]*managedClient),
		limiter: limiter,
		log:     log.WithName("client-manager"),
	}
}

// GetOrCreateClient returns the cached client for key, or creates one when
// none exists or the configuration changed (e.g. a rotated password).
func (m *ClientManager) GetOrCreateClient(key string, cfg Config) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, ok := m.clients[key]; ok && mc.cfg == cfg {
		return mc.client
	}

	client := NewClient(cfg, m.log)
	client.limiter = m.limiter
	m.clients[key] = &managedClient{cfg: cfg, client: client}
	return client
}

// RemoveClient drops the cached client for key, if any
func (m *ClientManager) RemoveClient(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, key)
}
