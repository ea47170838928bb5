package tunnel

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed configuration file with the offending
// line number.
type ParseError struct {
	Line   int
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Reason)
}

// Is checks if the error matches the target.
func (e *ParseError) Is(target error) bool {
	_, ok := target.(*ParseError)
	return ok
}

// Parse converts configuration text into a Document.
//
// The format is a leading global block of "key = value" lines followed by
// named "[section]" blocks. Blank lines and lines starting with '#' or ';'
// are comments and are dropped. Options this control plane does not manage
// are ignored; only semantic keys survive a round-trip. Parse fails on
// lines that are neither key=value nor a section header, and on duplicate
// section names.
func Parse(text string) (*Document, error) {
	doc := &Document{}
	var current *ServiceEntry
	seen := make(map[string]bool)

	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ParseError{Line: lineNo, Reason: "unterminated section header"}
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, &ParseError{Line: lineNo, Reason: "empty section name"}
			}
			if seen[name] {
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("duplicate section %q", name)}
			}
			seen[name] = true
			doc.Services = append(doc.Services, ServiceEntry{Name: name, Role: RoleServer})
			current = &doc.Services[len(doc.Services)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ParseError{Line: lineNo, Reason: "expected key = value or [section]"}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, &ParseError{Line: lineNo, Reason: "empty option name"}
		}

		var err error
		if current == nil {
			err = applyGlobalOption(&doc.Global, key, value)
		} else {
			err = applyServiceOption(current, key, value)
		}
		if err != nil {
			return nil, &ParseError{Line: lineNo, Reason: err.Error()}
		}
	}

	return doc, nil
}

// applyGlobalOption sets a recognized global option on the header.
func applyGlobalOption(g *GlobalSettings, key, value string) error {
	switch key {
	case "foreground":
		g.Foreground = value == "yes"
	case "debug":
		g.Debug = value
	case "output":
		g.Output = value
	case "pid":
		g.PIDFile = value
	case "cert":
		g.Cert = value
	case "key":
		g.Key = value
	case "CAfile":
		g.CAFile = value
	case "verify":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("verify level %q is not a number", value)
		}
		g.Verify = &v
	}
	return nil
}

// applyServiceOption sets a recognized service option on the entry.
func applyServiceOption(svc *ServiceEntry, key, value string) error {
	switch key {
	case "client":
		if value == "yes" {
			svc.Role = RoleClient
		} else {
			svc.Role = RoleServer
		}
	case "accept":
		ep, err := ParseEndpoint(value)
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		svc.Accept = ep
	case "connect":
		ep, err := ParseEndpoint(value)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		svc.Connect = ep
	case "cert":
		svc.Cert = value
	case "CAfile":
		svc.CAFile = value
	case "verify":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("verify level %q is not a number", value)
		}
		svc.Verify = &v
	}
	return nil
}
