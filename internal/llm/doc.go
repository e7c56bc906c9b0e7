// Package llm defines the provider-neutral completion contract used by every
// agent: a request carrying a system instruction, a multi-turn conversation and
// tool declarations, and a response carrying text, tool-call requests, token
// usage and a finish reason. Concrete providers live in sub-packages.
package llm
