package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Role selects the mode a tunnel service runs in.
type Role string

const (
	// RoleServer terminates TLS: encrypted accept, plaintext connect.
	RoleServer Role = "server"
	// RoleClient originates TLS: plaintext accept, encrypted connect.
	RoleClient Role = "client"
)

// Endpoint is a host/port pair. Host may be empty, which means all
// interfaces for accept endpoints.
type Endpoint struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
}

// String renders the endpoint in the form the tunneling process expects:
// "host:port", or just "port" when no host is set.
func (e Endpoint) String() string {
	if e.Host == "" {
		return strconv.Itoa(e.Port)
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "host:port" or a bare "port" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if !strings.Contains(s, ":") {
		port, err := strconv.Atoi(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q", s)
		}
		return Endpoint{Port: port}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// GlobalSettings is the header of the configuration file. All values are
// opaque to the control plane and are handed to the tunneling process
// verbatim.
type GlobalSettings struct {
	Foreground bool   `json:"foreground,omitempty"`
	Debug      string `json:"debug,omitempty"`
	Output     string `json:"output,omitempty"`
	PIDFile    string `json:"pidFile,omitempty"`
	Cert       string `json:"cert,omitempty"`
	Key        string `json:"key,omitempty"`
	CAFile     string `json:"caFile,omitempty"`
	Verify     *int   `json:"verify,omitempty"`
}

// ServiceEntry is one configured tunnel: an accept endpoint paired with
// a connect endpoint, plus optional overrides of the global TLS settings.
type ServiceEntry struct {
	Name    string   `json:"name"`
	Role    Role     `json:"role"`
	Accept  Endpoint `json:"accept"`
	Connect Endpoint `json:"connect"`
	Cert    string   `json:"cert,omitempty"`
	CAFile  string   `json:"caFile,omitempty"`
	Verify  *int     `json:"verify,omitempty"`
}

// Document is the full in-memory representation of the tunnel
// configuration. Committed documents are immutable: every change starts
// from Clone().
type Document struct {
	Global   GlobalSettings `json:"global"`
	Services []ServiceEntry `json:"services"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{Global: d.Global}
	if d.Global.Verify != nil {
		v := *d.Global.Verify
		out.Global.Verify = &v
	}
	out.Services = make([]ServiceEntry, len(d.Services))
	for i, svc := range d.Services {
		out.Services[i] = svc
		if svc.Verify != nil {
			v := *svc.Verify
			out.Services[i].Verify = &v
		}
	}
	return out
}

// Service returns the service with the given name, if present.
func (d *Document) Service(name string) (*ServiceEntry, bool) {
	for i := range d.Services {
		if d.Services[i].Name == name {
			return &d.Services[i], true
		}
	}
	return nil, false
}

// HasService reports whether a service with the given name exists.
func (d *Document) HasService(name string) bool {
	_, ok := d.Service(name)
	return ok
}

// AcceptPorts returns the set of accept ports used by the document.
func (d *Document) AcceptPorts() map[int]bool {
	ports := make(map[int]bool, len(d.Services))
	for _, svc := range d.Services {
		ports[svc.Accept.Port] = true
	}
	return ports
}

// ServiceNames returns service names in document order.
func (d *Document) ServiceNames() []string {
	names := make([]string, len(d.Services))
	for i, svc := range d.Services {
		names[i] = svc.Name
	}
	return names
}
