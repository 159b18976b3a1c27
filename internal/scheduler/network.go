package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// NetworkType is the coarse connectivity class the scheduler reasons about.
type NetworkType string

const (
	NetworkNone     NetworkType = "none"
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
)

// NetworkState is one push-feed sample: {type, metered, roaming}.
type NetworkState struct {
	Type     NetworkType
	Metered  bool
	Roaming  bool
}

// NetworkMonitor holds the process-wide network-state cache and notifies
// the Scheduler of changes. On platforms with an OS-level connectivity
// callback, Push is called directly by that integration; absent one,
// RunProbeLoop periodically queries the speedtest service's user-info
// endpoint to infer reachability, following the donor's
// internal/network/speedtest.go probe.
type NetworkMonitor struct {
	mu      sync.RWMutex
	current NetworkState
	subs    []chan NetworkState
	logger  *slog.Logger
}

func NewNetworkMonitor(logger *slog.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		current: NetworkState{Type: NetworkWifi},
		logger:  logger,
	}
}

// Current returns the last known network state.
func (m *NetworkMonitor) Current() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that receives every subsequent state change.
func (m *NetworkMonitor) Subscribe() <-chan NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan NetworkState, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// Push records a new network state (from an OS callback or a manual
// override) and fans it out to subscribers if it changed.
func (m *NetworkMonitor) Push(state NetworkState) {
	m.mu.Lock()
	changed := state != m.current
	m.current = state
	subs := append([]chan NetworkState(nil), m.subs...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// RunProbeLoop periodically infers connectivity via a speed test when no
// OS-level callback is wired in. It never blocks startup: a failed probe
// just leaves the cache at its last known value.
func (m *NetworkMonitor) RunProbeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *NetworkMonitor) probeOnce() {
	user, err := speedtest.FetchUserInfo()
	if err != nil {
		m.logger.Warn("network probe: offline", "error", err)
		m.Push(NetworkState{Type: NetworkNone})
		return
	}
	_ = user
	cur := m.Current()
	if cur.Type == NetworkNone {
		m.Push(NetworkState{Type: NetworkWifi})
	}
}
