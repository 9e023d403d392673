// Package network derives a single source of truth for "can this device
// reach the platform right now". Device-level connectivity alone is not
// trusted: a box can sit on Wi-Fi with no route to the backend, so the
// monitor combines an interface check, an internet egress probe and a
// platform health check into one online flag.
package network

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

const (
	defaultInterval = 3 * time.Second
	healthTimeout   = 5 * time.Second
	probeTimeout    = 3 * time.Second
	defaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"
)

// Quality is a coarse connection classification, informational only.
type Quality string

const (
	QualityNone Quality = "none"
	QualityFair Quality = "fair"
	QualityGood Quality = "good"
)

// State is the full derived reachability state delivered to listeners.
type State struct {
	IsConnected         bool      `json:"isConnected"`
	IsInternetReachable bool      `json:"isInternetReachable"`
	IsServerReachable   bool      `json:"isServerReachable"`
	IsOnline            bool      `json:"isOnline"`
	Quality             Quality   `json:"networkQuality"`
	CheckedAt           time.Time `json:"checkedAt"`
}

// Online derives the one flag sync decisions may trust.
func Online(connected, internet, server bool) bool {
	return connected && internet && server
}

// HealthChecker reports platform reachability. Implemented by api.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// DeviceProbe reports device-level connectivity and link quality. The
// default implementation inspects network interfaces via gopsutil.
type DeviceProbe func() (connected bool, quality Quality)

// Listener receives the full derived state on every recomputation. The
// fan-out is level-triggered: listeners diff or debounce themselves.
type Listener func(State)

// Config tunes a Monitor. Zero values select the defaults.
type Config struct {
	Interval time.Duration // poll cadence
	ProbeURL string        // internet egress probe endpoint
	Device   DeviceProbe
	Client   *http.Client // used for the internet probe
}

// Monitor polls connectivity on a fixed interval. Polling rather than
// push: OS-level connectivity events say nothing about application-server
// reachability, and the 3s loop doubles as the health check retry.
type Monitor struct {
	health   HealthChecker
	device   DeviceProbe
	probeURL string
	client   *http.Client
	interval time.Duration

	mu          sync.Mutex
	listeners   map[int]Listener
	nextID      int
	state       State
	onRecovered func()
	onChanged   func(State)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor over the given health checker.
func NewMonitor(health HealthChecker, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = defaultProbeURL
	}
	if cfg.Device == nil {
		cfg.Device = defaultDeviceProbe
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: probeTimeout}
	}

	return &Monitor{
		health:    health,
		device:    cfg.Device,
		probeURL:  cfg.ProbeURL,
		client:    cfg.Client,
		interval:  cfg.Interval,
		listeners: make(map[int]Listener),
		stopChan:  make(chan struct{}),
	}
}

// SetRecoveryTrigger registers the hook fired on the offline→online
// transition. The sync engine attaches its trigger here; the engine itself
// decides whether a pass is warranted (queue non-empty, not paused).
func (m *Monitor) SetRecoveryTrigger(fn func()) {
	m.mu.Lock()
	m.onRecovered = fn
	m.mu.Unlock()
}

// SetChangeHandler registers a hook fired only when the derived state
// actually changes, for pub/sub consumers that want edge semantics instead
// of the level-triggered listener fan-out.
func (m *Monitor) SetChangeHandler(fn func(State)) {
	m.mu.Lock()
	m.onChanged = fn
	m.mu.Unlock()
}

// AddListener registers a listener and returns its handle.
func (m *Monitor) AddListener(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

// RemoveListener unregisters a listener by handle.
func (m *Monitor) RemoveListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// Start runs an immediate check and then polls on the configured interval.
func (m *Monitor) Start() {
	m.Check()
	m.wg.Add(1)
	go m.pollLoop()
}

// Stop halts the poll loop.
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// State returns the last derived state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the platform was reachable at the last check.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsOnline
}

// Check recomputes the derived state and notifies listeners. Probe
// failures never escape: they are captured as unreachable. The checks
// short-circuit: no egress probe without a link, no health check without
// egress.
func (m *Monitor) Check() State {
	connected, quality := m.device()
	if !connected {
		quality = QualityNone
	}

	internet := false
	server := false
	if connected {
		internet = m.probeInternet()
	}
	if internet {
		server = m.probeServer()
	}

	st := State{
		IsConnected:         connected,
		IsInternetReachable: internet,
		IsServerReachable:   server,
		IsOnline:            Online(connected, internet, server),
		Quality:             quality,
		CheckedAt:           time.Now(),
	}

	m.mu.Lock()
	prev := m.state
	m.state = st
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	recovered := st.IsOnline && !prev.IsOnline
	changed := st.IsOnline != prev.IsOnline ||
		st.IsConnected != prev.IsConnected ||
		st.IsInternetReachable != prev.IsInternetReachable ||
		st.IsServerReachable != prev.IsServerReachable ||
		st.Quality != prev.Quality
	onRecovered := m.onRecovered
	onChanged := m.onChanged
	m.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
	if changed && onChanged != nil {
		onChanged(st)
	}
	if recovered && onRecovered != nil {
		log.Printf("✅ Connectivity to platform restored")
		onRecovered()
	}
	return st
}

// probeInternet checks general internet egress with a bounded HEAD request.
func (m *Monitor) probeInternet() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// probeServer checks the platform health endpoint. No retry inside a
// single check; the poll loop is the retry mechanism.
func (m *Monitor) probeServer() bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	return m.health.Health(ctx) == nil
}

// defaultDeviceProbe inspects network interfaces: any non-loopback
// interface that is up and has an address counts as connected. Wired and
// wireless links classify as good, anything else as fair.
func defaultDeviceProbe() (bool, Quality) {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return false, QualityNone
	}

	connected := false
	quality := QualityNone
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) == 0 {
			continue
		}
		connected = true
		switch {
		case strings.HasPrefix(iface.Name, "eth"), strings.HasPrefix(iface.Name, "en"):
			return true, QualityGood
		case strings.HasPrefix(iface.Name, "wl"):
			quality = QualityGood
		default:
			if quality == QualityNone {
				quality = QualityFair
			}
		}
	}
	return connected, quality
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
