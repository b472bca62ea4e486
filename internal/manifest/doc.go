// Package manifest describes what a deployment asks the agent to keep offline:
// the versioned cache identifier, the ordered list of assets that must be
// pre-cached on install, and the URL markers whose responses are never stored.
// Deployments publish a new version by bumping the identifier in the manifest
// file; the updater re-reads the file on every check.
package manifest
