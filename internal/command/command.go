// Package command defines the RCP command set: the numeric command IDs, the
// typed payload of each command, and the registry that decides which commands
// may be delivered in which connection state.
package command

import "fmt"

// ID is the one-byte command identifier carried in every frame header.
//
// Assigned values are a compatibility contract and never change.
type ID byte

const (
	IDLaunchApp     ID = 0x01
	IDInputEvent    ID = 0x02
	IDDisplayFrame  ID = 0x03
	IDResizeWindow  ID = 0x04
	IDClipboardSync ID = 0x05
	IDListApps      ID = 0x10 // provisional
	IDPing          ID = 0xF0
	IDError         ID = 0xF1
	IDDisconnect    ID = 0xF2 // provisional
	IDAck           ID = 0xF3 // provisional
	IDAuth          ID = 0xFE
	IDHeartbeat     ID = 0xFF
)

func (id ID) String() string {
	if s, ok := builtinNames[id]; ok {
		return s
	}
	return fmt.Sprintf("Command(0x%02x)", byte(id))
}

var builtinNames = map[ID]string{
	IDLaunchApp:     "LaunchApp",
	IDInputEvent:    "InputEvent",
	IDDisplayFrame:  "DisplayFrame",
	IDResizeWindow:  "ResizeWindow",
	IDClipboardSync: "ClipboardSync",
	IDListApps:      "ListApps",
	IDPing:          "Ping",
	IDError:         "Error",
	IDDisconnect:    "Disconnect",
	IDAck:           "Ack",
	IDAuth:          "Auth",
	IDHeartbeat:     "Heartbeat",
}
