// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Protocols lists the message protocol versions every binary reads and writes.
var Protocols = []int{1, 2}

// Banner formats the build metadata printed by the version command.
func Banner(service string) string {
	protos := make([]string, len(Protocols))
	for i, p := range Protocols {
		protos[i] = fmt.Sprintf("v%d", p)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", service, Version)
	fmt.Fprintf(&b, "  commit:     %s\n", GitCommit)
	fmt.Fprintf(&b, "  built:      %s\n", BuildTime)
	fmt.Fprintf(&b, "  go version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  protocols:  %s\n", strings.Join(protos, ", "))
	return b.String()
}
