// Package protocol implements the RCP binary frame format.
//
// Every frame is an 8-byte header followed by a payload:
//
//	[1B version][1B command][2B flags BE][4B payload length BE][payload]
//
// The codec knows nothing about command semantics; see package command.
package protocol

// Version is the wire format version written by this implementation.
const Version = 0x01

// HeaderSize is the fixed frame header length.
const HeaderSize = 8

// Maximum payload size (16 MiB).
const MaxPayloadSize = 16 << 20

// DefaultPort is the default TCP/QUIC port for RCP servers.
const DefaultPort = 9277

// Header flag bits. Reserved for payload transforms; the codec carries them
// through untouched.
const (
	FlagEncrypted  uint16 = 0x0001
	FlagCompressed uint16 = 0x0002
)

// Versions is a set of accepted protocol versions.
type Versions []byte

// DefaultVersions accepts only the current wire version.
var DefaultVersions = Versions{Version}

// Accepts reports whether v is in the set. An empty set accepts only Version.
func (vs Versions) Accepts(v byte) bool {
	if len(vs) == 0 {
		return v == Version
	}
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
