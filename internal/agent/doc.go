// Package agent implements the offline cache agent: one versioned worker that
// pre-caches an asset manifest on install, evicts superseded cache stores on
// activate, answers GET requests cache-first with write-back, and accepts the
// explicit skipWaiting control message. Dispatch of these entry points belongs
// to the host (see package lifecycle), not to the agent.
package agent
