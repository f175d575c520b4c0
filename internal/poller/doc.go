// Package poller implements periodic binding refresh.
//
// The Poller:
//   - Sends a GET for every bound parameter on a fixed interval
//   - Covers peers that change values without pushing an UPD
//   - Skips cycles while the manager is not connected
//   - Bounds how many fetches are issued at once
package poller
