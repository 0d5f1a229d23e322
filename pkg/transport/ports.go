package transport

import bugstserial "go.bug.st/serial"

// ListPorts enumerates available serial ports for the sender CLI's
// --list-ports flag. It uses go.bug.st/serial purely for discovery;
// the byte transport itself still goes through Serial/tarm-serial,
// matching the driver the teacher's device-facing code already uses.
func ListPorts() ([]string, error) {
	return bugstserial.GetPortsList()
}
