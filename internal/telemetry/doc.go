// Package telemetry streams test stand events to Server-Sent Events clients.
//
// Every event carries a monotonic ID scoped to its locomotive (or the global
// stream for station-wide events). The last N events per locomotive are kept
// so that a reconnecting client can resume with Last-Event-ID.
package telemetry
