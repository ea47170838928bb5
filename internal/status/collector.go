// Package status aggregates read-only liveness and connection information
// for the configured tunnel services. Snapshots never mutate committed
// state and never take the reload lock.
package status

import (
	"context"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/vyrodovalexey/avtunnel/internal/observability"
	"github.com/vyrodovalexey/avtunnel/internal/supervisor"
	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
)

// DocumentSource provides the committed configuration snapshot. The
// reload coordinator implements this.
type DocumentSource interface {
	Current() *tunnel.Document
	Generation() uint64
}

// SocketTable enumerates the OS TCP socket table.
type SocketTable interface {
	TCPConnections(ctx context.Context) ([]gnet.ConnectionStat, error)
}

// OSSocketTable implements SocketTable against the local OS.
type OSSocketTable struct{}

// TCPConnections returns all TCP sockets known to the kernel.
func (OSSocketTable) TCPConnections(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsWithContext(ctx, "tcp")
}

// Socket states as reported by the OS connection table.
const (
	stateListen      = "LISTEN"
	stateEstablished = "ESTABLISHED"
)

// ServiceStatus describes one tunnel service as observed from the OS.
type ServiceStatus struct {
	Name              string `json:"name"`
	Listening         bool   `json:"listening"`
	ActiveConnections int    `json:"activeConnections"`
	// Unknown is set when the socket table could not be enumerated; the
	// Listening and ActiveConnections fields are meaningless then.
	Unknown bool `json:"unknown,omitempty"`
}

// Snapshot is the aggregated status of the tunneling process and all
// configured services.
type Snapshot struct {
	Generation   uint64          `json:"generation"`
	ProcessAlive bool            `json:"processAlive"`
	PID          int32           `json:"pid,omitempty"`
	Services     []ServiceStatus `json:"services"`
}

// Collector builds status snapshots.
type Collector struct {
	source  DocumentSource
	sup     supervisor.Supervisor
	sockets SocketTable
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the collector.
type Option func(*Collector)

// WithLogger sets the logger for the collector.
func WithLogger(logger observability.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithMetrics publishes snapshot results as Prometheus gauges.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Collector) {
		c.metrics = metrics
	}
}

// WithSocketTable overrides the socket table implementation.
func WithSocketTable(sockets SocketTable) Option {
	return func(c *Collector) {
		c.sockets = sockets
	}
}

// NewCollector creates a status collector.
func NewCollector(source DocumentSource, sup supervisor.Supervisor, opts ...Option) *Collector {
	c := &Collector{
		source:  source,
		sup:     sup,
		sockets: OSSocketTable{},
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot collects the current status. Socket enumeration is
// best-effort: when it fails, every service is marked unknown instead of
// failing the whole snapshot.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	doc := c.source.Current()

	snap := Snapshot{
		Generation: c.source.Generation(),
		Services:   make([]ServiceStatus, 0, len(doc.Services)),
	}

	if pid, err := c.sup.CurrentPID(); err == nil {
		snap.PID = pid
		snap.ProcessAlive = c.sup.IsAlive(pid)
	}

	conns, err := c.sockets.TCPConnections(ctx)
	if err != nil {
		c.logger.Warn("socket table enumeration failed", observability.Error(err))
	}

	for _, svc := range doc.Services {
		st := ServiceStatus{Name: svc.Name}
		if err != nil {
			st.Unknown = true
		} else {
			st.Listening, st.ActiveConnections = probePort(conns, svc.Accept.Port)
		}
		snap.Services = append(snap.Services, st)
	}

	c.publish(snap)
	return snap
}

// probePort scans the socket table for a local port.
func probePort(conns []gnet.ConnectionStat, port int) (listening bool, established int) {
	for _, conn := range conns {
		if int(conn.Laddr.Port) != port {
			continue
		}
		switch conn.Status {
		case stateListen:
			listening = true
		case stateEstablished:
			established++
		}
	}
	return listening, established
}

// publish mirrors the snapshot into Prometheus gauges.
func (c *Collector) publish(snap Snapshot) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetProcessAlive(snap.ProcessAlive)
	c.metrics.SetConfiguredTunnels(len(snap.Services))
	for _, svc := range snap.Services {
		if !svc.Unknown {
			c.metrics.SetActiveConnections(svc.Name, svc.ActiveConnections)
		}
	}
}
