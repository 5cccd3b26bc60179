// Package fsm holds the connection lifecycle as a pure transition function.
//
// Step consumes the current Model and one Input (an application command, a
// timer expiry or a transport event) and returns the next Model together with
// the Effects the driver must execute: transport requests, registry and
// session store updates, timers and application notifications. Step never
// blocks and never performs I/O, so every transition can be tested by
// feeding inputs and inspecting effects.
package fsm
