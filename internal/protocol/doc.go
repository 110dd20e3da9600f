// Package protocol defines the messages exchanged between the berth CLI
// and the berth daemon.
//
// Every message is an [Envelope] encoded as a single line of JSON. The
// client writes one request envelope, the daemon writes one response
// envelope, and the connection is closed. A response carries either
// [CmdOK] with a command-specific payload or [CmdError] with an
// [ErrorResult].
package protocol
