// Package device holds the domain model shared by the BLE central:
// peripheral identities, characteristic roles, the target service
// descriptor, radio and connection states, the transport contract with its
// typed event stream, and the error taxonomy.
//
// Nothing in this package talks to a radio. Concrete transports live under
// internal/transport and translate driver callbacks into the Event values
// declared here.
package device
