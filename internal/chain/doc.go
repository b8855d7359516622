// Package chain implements the chain-of-thought engine: a strictly linear
// sequence of reasoning steps whose prompts are resolved against the outputs
// of earlier steps before dispatch. A step failure halts the chain and the
// returned result aggregates everything completed up to that point. Chains
// may run inside a persistent session scope so that later submissions can
// reference what earlier ones produced, with oldest-first pruning keeping the
// accumulated context inside a token budget.
package chain
