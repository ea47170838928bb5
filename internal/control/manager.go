// Package control exposes the remote operations of the tunnel control
// plane: reloading, querying, and editing the committed configuration.
// Every mutating operation builds a candidate document and hands it to
// the reload coordinator, so all-or-nothing semantics live in one place.
package control

import (
	"context"
	"os"

	"github.com/vyrodovalexey/avtunnel/internal/observability"
	"github.com/vyrodovalexey/avtunnel/internal/reload"
	"github.com/vyrodovalexey/avtunnel/internal/status"
	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
	"github.com/vyrodovalexey/avtunnel/internal/util"
)

// Manager implements the control-plane operations.
type Manager struct {
	confPath      string
	coord         *reload.Coordinator
	collector     *status.Collector
	logger        observability.Logger
	metrics       *observability.Metrics
	defaultCert   string
	defaultCAFile string
}

// Option is a functional option for configuring the manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics lets the manager clear per-service metrics on removal.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTLSDefaults sets certificate and CA paths stamped into generated
// documents whose global settings leave them empty.
func WithTLSDefaults(cert, caFile string) Option {
	return func(m *Manager) {
		m.defaultCert = cert
		m.defaultCAFile = caFile
	}
}

// NewManager creates a manager over the given coordinator and collector.
func NewManager(confPath string, coord *reload.Coordinator, collector *status.Collector, opts ...Option) *Manager {
	m := &Manager{
		confPath:  confPath,
		coord:     coord,
		collector: collector,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the committed document.
func (m *Manager) Current() *tunnel.Document {
	return m.coord.Current()
}

// Generation returns the committed generation counter.
func (m *Manager) Generation() uint64 {
	return m.coord.Generation()
}

// ReloadConfig re-parses the on-disk configuration file and applies it,
// picking up out-of-band edits. With validateOnly set, the file is parsed
// and validated but nothing is applied or signaled.
func (m *Manager) ReloadConfig(ctx context.Context, validateOnly bool) (uint64, error) {
	data, err := os.ReadFile(m.confPath)
	if err != nil {
		return 0, util.WrapError(err, "failed to read configuration file")
	}

	doc, err := tunnel.Parse(string(data))
	if err != nil {
		return 0, err
	}

	if validateOnly {
		if err := tunnel.ValidateDocument(doc, m.coord.PortRange()); err != nil {
			return 0, err
		}
		return m.coord.Generation(), nil
	}

	return m.coord.Apply(ctx, doc)
}

// GetStatus returns the aggregated status snapshot.
func (m *Manager) GetStatus(ctx context.Context) status.Snapshot {
	return m.collector.Snapshot(ctx)
}

// GlobalUpdate carries optional changes to the global settings. Nil
// fields are left untouched.
type GlobalUpdate struct {
	Debug  *string `json:"debug,omitempty"`
	Output *string `json:"output,omitempty"`
	Cert   *string `json:"cert,omitempty"`
	Key    *string `json:"key,omitempty"`
	CAFile *string `json:"caFile,omitempty"`
	Verify *int    `json:"verify,omitempty"`
}

// ServiceUpdate carries optional changes to one named service. Endpoints
// use the "host:port" or bare "port" syntax.
type ServiceUpdate struct {
	Name    string       `json:"name"`
	Role    *tunnel.Role `json:"role,omitempty"`
	Accept  *string      `json:"accept,omitempty"`
	Connect *string      `json:"connect,omitempty"`
	Cert    *string      `json:"cert,omitempty"`
	CAFile  *string      `json:"caFile,omitempty"`
	Verify  *int         `json:"verify,omitempty"`
}

// ConfigUpdate is a partial edit of the committed document.
type ConfigUpdate struct {
	Global   *GlobalUpdate   `json:"global,omitempty"`
	Services []ServiceUpdate `json:"services,omitempty"`
}

// UpdateConfig merges the update into a copy of the committed document
// and applies the result. Referencing an unknown service name fails the
// whole update before anything is applied.
func (m *Manager) UpdateConfig(ctx context.Context, update ConfigUpdate) (uint64, error) {
	candidate := m.coord.Current().Clone()

	if g := update.Global; g != nil {
		if g.Debug != nil {
			candidate.Global.Debug = *g.Debug
		}
		if g.Output != nil {
			candidate.Global.Output = *g.Output
		}
		if g.Cert != nil {
			candidate.Global.Cert = *g.Cert
		}
		if g.Key != nil {
			candidate.Global.Key = *g.Key
		}
		if g.CAFile != nil {
			candidate.Global.CAFile = *g.CAFile
		}
		if g.Verify != nil {
			v := *g.Verify
			candidate.Global.Verify = &v
		}
	}

	for _, su := range update.Services {
		svc, ok := candidate.Service(su.Name)
		if !ok {
			return 0, util.WrapError(util.ErrServiceNotFound, su.Name)
		}
		if err := applyServiceUpdate(svc, su); err != nil {
			return 0, err
		}
	}

	return m.coord.Apply(ctx, candidate)
}

// applyServiceUpdate merges one service update in place.
func applyServiceUpdate(svc *tunnel.ServiceEntry, su ServiceUpdate) error {
	if su.Role != nil {
		svc.Role = *su.Role
	}
	if su.Accept != nil {
		ep, err := tunnel.ParseEndpoint(*su.Accept)
		if err != nil {
			return util.WrapError(err, "invalid accept endpoint")
		}
		svc.Accept = ep
	}
	if su.Connect != nil {
		ep, err := tunnel.ParseEndpoint(*su.Connect)
		if err != nil {
			return util.WrapError(err, "invalid connect endpoint")
		}
		svc.Connect = ep
	}
	if su.Cert != nil {
		svc.Cert = *su.Cert
	}
	if su.CAFile != nil {
		svc.CAFile = *su.CAFile
	}
	if su.Verify != nil {
		v := *su.Verify
		svc.Verify = &v
	}
	return nil
}

// ServiceSpec describes one service for GenerateConfig. An empty accept
// endpoint means a port is allocated from the allowed range.
type ServiceSpec struct {
	Name    string      `json:"name"`
	Role    tunnel.Role `json:"role,omitempty"`
	Accept  string      `json:"accept,omitempty"`
	Connect string      `json:"connect"`
	Cert    string      `json:"cert,omitempty"`
	CAFile  string      `json:"caFile,omitempty"`
	Verify  *int        `json:"verify,omitempty"`
}

// GenerateConfig builds a fresh document from global defaults and an
// initial service list, discarding the committed one, and applies it.
func (m *Manager) GenerateConfig(ctx context.Context, global tunnel.GlobalSettings, services []ServiceSpec) (uint64, error) {
	if global.Cert == "" {
		global.Cert = m.defaultCert
	}
	if global.CAFile == "" {
		global.CAFile = m.defaultCAFile
	}
	candidate := &tunnel.Document{Global: global}

	used := make(map[int]bool, len(services))
	for _, spec := range services {
		entry, err := m.buildService(spec, used)
		if err != nil {
			return 0, err
		}
		used[entry.Accept.Port] = true
		candidate.Services = append(candidate.Services, entry)
	}

	return m.coord.Apply(ctx, candidate)
}

// buildService turns a spec into a service entry, allocating an accept
// port when none is given.
func (m *Manager) buildService(spec ServiceSpec, used map[int]bool) (tunnel.ServiceEntry, error) {
	entry := tunnel.ServiceEntry{
		Name:   spec.Name,
		Role:   spec.Role,
		Cert:   spec.Cert,
		CAFile: spec.CAFile,
	}
	if entry.Role == "" {
		entry.Role = tunnel.RoleServer
	}
	if spec.Verify != nil {
		v := *spec.Verify
		entry.Verify = &v
	}

	connect, err := tunnel.ParseEndpoint(spec.Connect)
	if err != nil {
		return tunnel.ServiceEntry{}, util.WrapError(err, "invalid connect endpoint")
	}
	entry.Connect = connect

	if spec.Accept == "" {
		port, err := tunnel.AllocatePort(used, m.coord.PortRange())
		if err != nil {
			return tunnel.ServiceEntry{}, err
		}
		entry.Accept = tunnel.Endpoint{Port: port}
		return entry, nil
	}

	accept, err := tunnel.ParseEndpoint(spec.Accept)
	if err != nil {
		return tunnel.ServiceEntry{}, util.WrapError(err, "invalid accept endpoint")
	}
	entry.Accept = accept
	return entry, nil
}

// AddProvider appends a new server-role service that forwards to the
// given connect endpoint. A zero acceptPort means the smallest free port
// in the allowed range is allocated. Returns the new generation and the
// assigned accept port.
func (m *Manager) AddProvider(ctx context.Context, name, connect string, acceptPort int) (uint64, int, error) {
	current := m.coord.Current()
	if current.HasService(name) {
		return 0, 0, util.WrapError(util.ErrServiceExists, name)
	}

	connectEP, err := tunnel.ParseEndpoint(connect)
	if err != nil {
		return 0, 0, util.WrapError(err, "invalid connect endpoint")
	}

	port := acceptPort
	if port == 0 {
		port, err = tunnel.AllocatePort(current.AcceptPorts(), m.coord.PortRange())
		if err != nil {
			return 0, 0, err
		}
	}

	candidate := current.Clone()
	candidate.Services = append(candidate.Services, tunnel.ServiceEntry{
		Name:    name,
		Role:    tunnel.RoleServer,
		Accept:  tunnel.Endpoint{Port: port},
		Connect: connectEP,
	})

	gen, err := m.coord.Apply(ctx, candidate)
	if err != nil {
		return 0, 0, err
	}

	m.logger.Info("provider added",
		observability.String("name", name),
		observability.Int("acceptPort", port),
		observability.Uint64("generation", gen),
	)

	return gen, port, nil
}

// RemoveProvider deletes the named service and applies the result.
func (m *Manager) RemoveProvider(ctx context.Context, name string) (uint64, error) {
	current := m.coord.Current()
	if !current.HasService(name) {
		return 0, util.WrapError(util.ErrServiceNotFound, name)
	}

	candidate := current.Clone()
	services := candidate.Services[:0]
	for _, svc := range candidate.Services {
		if svc.Name != name {
			services = append(services, svc)
		}
	}
	candidate.Services = services

	gen, err := m.coord.Apply(ctx, candidate)
	if err != nil {
		return 0, err
	}

	if m.metrics != nil {
		m.metrics.RemoveService(name)
	}

	m.logger.Info("provider removed",
		observability.String("name", name),
		observability.Uint64("generation", gen),
	)

	return gen, nil
}
