// Package bus provides an embedded NATS server used as the local event bus
// between the reachability monitor, the sync engine and the web facade.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus.
const (
	SubjectSyncStatus   = "sync.status"
	SubjectNetworkState = "network.state"
	SubjectQueueUpdated = "queue.updated"
)

// Bus wraps an embedded NATS server with an internal client connection.
type Bus struct {
	server    *server.Server
	conn      *nats.Conn
	published uint64
	dropped   uint64
}

// Config holds configuration for the embedded server.
type Config struct {
	Port       int   // -1 selects a random free port
	MaxPayload int32 // max message size in bytes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:       4222,
		MaxPayload: 1 << 20,
	}
}

// New creates and starts an embedded NATS server bound to localhost.
func New(cfg Config) (*Bus, error) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1 << 20
	}

	opts := &server.Options{
		Host:          "127.0.0.1",
		Port:          cfg.Port,
		NoLog:         true,
		NoSigs:        true,
		MaxPayload:    cfg.MaxPayload,
		WriteDeadline: 10 * time.Second,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("NATS server not ready after 5 seconds")
	}

	nc, err := nats.Connect(
		ns.ClientURL(),
		nats.Name("civicnode-internal"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	log.Printf("📡 Event bus started on %s", ns.ClientURL())

	return &Bus{server: ns, conn: nc}, nil
}

// Publish publishes a raw message to a subject.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// PublishJSON marshals v and publishes it to a subject.
func (b *Bus) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return err
	}
	return b.Publish(subject, data)
}

// Subscribe subscribes to a subject.
func (b *Bus) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, handler)
}

// Conn returns the underlying NATS connection.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Address returns the bus client URL.
func (b *Bus) Address() string {
	return b.server.ClientURL()
}

// NumClients returns the number of connected clients.
func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

// Stats holds bus statistics.
type Stats struct {
	Clients       int    `json:"clients"`
	Subscriptions uint32 `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	InMsgs        int64  `json:"inMsgs"`
	OutMsgs       int64  `json:"outMsgs"`
	SlowConsumers int64  `json:"slowConsumers"`
}

// GetStats returns current bus statistics.
func (b *Bus) GetStats() Stats {
	varz, _ := b.server.Varz(nil)
	stats := Stats{
		Clients:       b.server.NumClients(),
		Subscriptions: b.server.NumSubscriptions(),
		Published:     atomic.LoadUint64(&b.published),
		Dropped:       atomic.LoadUint64(&b.dropped),
	}
	if varz != nil {
		stats.InMsgs = varz.InMsgs
		stats.OutMsgs = varz.OutMsgs
		stats.SlowConsumers = varz.SlowConsumers
	}
	return stats
}

// Shutdown gracefully shuts down the bus.
func (b *Bus) Shutdown() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	log.Println("📡 Event bus shut down")
}
