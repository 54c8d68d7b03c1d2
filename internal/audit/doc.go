// Package audit writes an append-only JSON-lines trail of control actions:
// who did what to which locomotive, with what outcome and latency.
package audit
