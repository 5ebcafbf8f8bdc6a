// Package ota is the device side of the update pipeline.
//
// A Client talks to the update server: the version check, the activation
// handshake and the periodic status report. A Provisioner drives the
// check/activate loop at startup with backoff, and a Reporter sends the
// status heartbeat afterwards. Firmware installation and auxiliary content
// downloads live in the firmware and contentsync packages; the Client hands
// work to them.
//
// Every component logs through a standard.RecentLogs and records calls to
// the server in a standard.ConnectivityTracker, both of which are reported
// back to the server in the status heartbeat.
package ota
