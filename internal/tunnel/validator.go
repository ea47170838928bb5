package tunnel

import (
	"fmt"
	"strings"
)

// Verify levels recognized by the tunneling process.
const (
	MinVerifyLevel = 0
	MaxVerifyLevel = 4
)

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates tunnel configuration documents. It is pure: it
// never touches the file system or the tunneling process, and it always
// collects every violation instead of stopping at the first one.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new document validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateDocument validates a document against the allowed accept-port
// range. A nil return means the document is acceptable to apply.
func ValidateDocument(doc *Document, portRange PortRange) error {
	return NewValidator().Validate(doc, portRange)
}

// Validate validates the document and returns any errors.
func (v *Validator) Validate(doc *Document, portRange PortRange) error {
	v.errors = make(ValidationErrors, 0)

	if doc == nil {
		v.addError("", "document is nil")
		return v.errors
	}

	v.validateGlobal(&doc.Global)
	v.validateServices(doc.Services, portRange)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateGlobal validates the header settings.
func (v *Validator) validateGlobal(g *GlobalSettings) {
	v.validateVerify(g.Verify, "global.verify")
}

// validateServices validates all service entries and their cross-entry
// uniqueness invariants.
func (v *Validator) validateServices(services []ServiceEntry, portRange PortRange) {
	names := make(map[string]bool)
	ports := make(map[int]string)

	for i, svc := range services {
		path := fmt.Sprintf("services[%d]", i)
		if svc.Name != "" {
			path = fmt.Sprintf("services[%s]", svc.Name)
		}

		v.validateServiceName(&svc, path, names)
		v.validateAcceptPort(&svc, path, ports, portRange)
		v.validateConnect(&svc, path)
		v.validateRole(&svc, path)
		v.validateVerify(svc.Verify, path+".verify")
	}
}

// validateServiceName checks name presence and uniqueness.
func (v *Validator) validateServiceName(svc *ServiceEntry, path string, names map[string]bool) {
	if svc.Name == "" {
		v.addError(path+".name", "service name is required")
		return
	}
	if names[svc.Name] {
		v.addError(path+".name", fmt.Sprintf("duplicate service name %q", svc.Name))
	}
	names[svc.Name] = true
}

// validateAcceptPort checks range membership and cross-service uniqueness.
func (v *Validator) validateAcceptPort(svc *ServiceEntry, path string, ports map[int]string, portRange PortRange) {
	port := svc.Accept.Port
	if !portRange.Contains(port) {
		v.addError(path+".accept",
			fmt.Sprintf("accept port %d outside allowed range [%d, %d]", port, portRange.Min, portRange.Max))
	}
	if holder, taken := ports[port]; taken {
		v.addError(path+".accept",
			fmt.Sprintf("accept port %d already used by service %q", port, holder))
		return
	}
	ports[port] = svc.Name
}

// validateConnect checks the connect endpoint is a usable host:port pair.
func (v *Validator) validateConnect(svc *ServiceEntry, path string) {
	if svc.Connect.Port < 1 || svc.Connect.Port > 65535 {
		v.addError(path+".connect",
			fmt.Sprintf("connect port %d outside valid range [1, 65535]", svc.Connect.Port))
	}
}

// validateRole checks the tunnel mode.
func (v *Validator) validateRole(svc *ServiceEntry, path string) {
	if svc.Role != RoleServer && svc.Role != RoleClient {
		v.addError(path+".role",
			fmt.Sprintf("role must be %q or %q", RoleServer, RoleClient))
	}
}

// validateVerify checks an optional verify level.
func (v *Validator) validateVerify(verify *int, path string) {
	if verify == nil {
		return
	}
	if *verify < MinVerifyLevel || *verify > MaxVerifyLevel {
		v.addError(path,
			fmt.Sprintf("verify level %d not recognized (must be %d-%d)", *verify, MinVerifyLevel, MaxVerifyLevel))
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
