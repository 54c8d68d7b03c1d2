// Package api serves the test stand's HTTP control surface: locomotive
// lookup, station connection, measurement runs, the emergency stop and the
// SSE telemetry stream. Every JSON response uses the same envelope.
package api
