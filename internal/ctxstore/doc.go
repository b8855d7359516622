// Package ctxstore implements the scoped context store shared by the workflow
// engine and the chain-of-thought engine. Each scope holds an append-only,
// ordered log of named step outputs; templates reference those outputs as
// {step.field} placeholders and are resolved against a read-only snapshot
// before a step is dispatched. Backends are pluggable: in-memory, Redis, and
// MySQL implementations all satisfy the same Store interface.
package ctxstore
