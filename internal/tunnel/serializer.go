package tunnel

import (
	"fmt"
	"strings"
)

// Serialize renders a Document as configuration text for the tunneling
// process. Global options are written first in a fixed order, then each
// service section in document order, so output is deterministic and
// Parse(Serialize(d)) == d for any document this system produces.
func Serialize(doc *Document) string {
	var sb strings.Builder

	writeGlobal(&sb, &doc.Global)

	for _, svc := range doc.Services {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		writeService(&sb, &svc)
	}

	return sb.String()
}

// writeGlobal writes the header block.
func writeGlobal(sb *strings.Builder, g *GlobalSettings) {
	if g.Foreground {
		fmt.Fprintf(sb, "foreground = yes\n")
	}
	if g.Debug != "" {
		fmt.Fprintf(sb, "debug = %s\n", g.Debug)
	}
	if g.Output != "" {
		fmt.Fprintf(sb, "output = %s\n", g.Output)
	}
	if g.PIDFile != "" {
		fmt.Fprintf(sb, "pid = %s\n", g.PIDFile)
	}
	if g.Cert != "" {
		fmt.Fprintf(sb, "cert = %s\n", g.Cert)
	}
	if g.Key != "" {
		fmt.Fprintf(sb, "key = %s\n", g.Key)
	}
	if g.CAFile != "" {
		fmt.Fprintf(sb, "CAfile = %s\n", g.CAFile)
	}
	if g.Verify != nil {
		fmt.Fprintf(sb, "verify = %d\n", *g.Verify)
	}
}

// writeService writes one service section.
func writeService(sb *strings.Builder, svc *ServiceEntry) {
	fmt.Fprintf(sb, "[%s]\n", svc.Name)
	if svc.Role == RoleClient {
		fmt.Fprintf(sb, "client = yes\n")
	}
	fmt.Fprintf(sb, "accept = %s\n", svc.Accept)
	fmt.Fprintf(sb, "connect = %s\n", svc.Connect)
	if svc.Cert != "" {
		fmt.Fprintf(sb, "cert = %s\n", svc.Cert)
	}
	if svc.CAFile != "" {
		fmt.Fprintf(sb, "CAfile = %s\n", svc.CAFile)
	}
	if svc.Verify != nil {
		fmt.Fprintf(sb, "verify = %d\n", *svc.Verify)
	}
}
