// Package version reports the rcpd build.
package version

import "github.com/chronologos/rcp/internal/protocol"

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/rcp/internal/version.VERSION=0.4.0 -X github.com/chronologos/rcp/internal/version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// ProtocolVersion is the wire version this build speaks.
const ProtocolVersion = protocol.Version
