package monitor

import (
	"log/slog"
	"sync"

	"github.com/sevigo/chat-relay/internal/core"
)

// Manager is the process-wide registry of running pollers, keyed by resource.
// At most one poller runs per key; duplicate starts are no-ops. The manager
// is wired into process shutdown so every loop stops before exit.
type Manager struct {
	fetcher    Fetcher
	store      ConversationStore
	dispatcher core.JobDispatcher
	log        *slog.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewManager creates an empty registry sharing one fetcher, store, and
// dispatcher across all pollers.
func NewManager(fetcher Fetcher, store ConversationStore, dispatcher core.JobDispatcher, log *slog.Logger) *Manager {
	return &Manager{
		fetcher:    fetcher,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		pollers:    make(map[string]*Poller),
	}
}

// StartMonitor constructs and starts a poller for cfg. If a poller is
// already registered under the same key the call logs a warning and does
// nothing, so concurrent or repeated starts cannot spawn duplicates.
func (m *Manager) StartMonitor(cfg Config) {
	key := cfg.key()

	m.mu.Lock()
	if _, exists := m.pollers[key]; exists {
		m.mu.Unlock()
		m.log.Warn("monitor already running for resource", "key", key)
		return
	}
	p := NewPoller(cfg, m.fetcher, m.store, m.dispatcher, m.log)
	m.pollers[key] = p
	m.mu.Unlock()

	p.Start()
	m.log.Info("started monitor", "key", key)
}

// StopMonitor stops and deregisters the poller for key, if any.
func (m *Manager) StopMonitor(key string) {
	m.mu.Lock()
	p, ok := m.pollers[key]
	if ok {
		delete(m.pollers, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.Stop()
	m.log.Info("stopped monitor", "key", key)
}

// StopAll stops every registered poller concurrently and returns only after
// all of them have fully stopped. No tick fires after StopAll returns.
func (m *Manager) StopAll() {
	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	m.pollers = make(map[string]*Poller)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
	m.log.Info("all monitors stopped", "count", len(pollers))
}

// Active returns the keys of currently registered monitors.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.pollers))
	for k := range m.pollers {
		keys = append(keys, k)
	}
	return keys
}
