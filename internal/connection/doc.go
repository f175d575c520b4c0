// Package connection implements the binding Connection Manager.
//
// The Connection Manager:
//   - Owns a single WebSocket transport to the peer
//   - Assigns monotonically increasing request IDs and correlates responses
//   - Expires requests that get no response within the request timeout
//   - Routes unsolicited UPD messages to the matching Binding
//   - Re-fetches every Binding when the connection opens
//   - Resolves every in-flight request as timed out when the connection closes
//
// Reconnection is left to the caller (see package reconnect).
package connection
