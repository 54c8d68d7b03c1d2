// Package auth verifies bearer tokens and enforces scopes on the HTTP API.
//
// Viewers may read locomotives, run status and telemetry. Operators may also
// connect the station, start and stop runs. Any authenticated principal may
// trigger an emergency stop.
package auth
