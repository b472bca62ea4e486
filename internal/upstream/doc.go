// Package upstream owns the network side of the agent: the shared HTTP client
// and the mapping of incoming requests onto the configured origin.
package upstream
