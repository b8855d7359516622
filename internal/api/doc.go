// Package api exposes the REST surface of the orchestration daemon:
// workflow submission and lifecycle control, synchronous chain execution,
// session management, plugin inspection, and token issuance. Handlers are
// wrapped with authentication middleware and per-route metrics.
package api
