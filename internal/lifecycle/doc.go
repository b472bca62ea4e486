// Package lifecycle hosts agent versions the way a browser hosts service
// workers: one registration with installing, waiting and active slots, a set
// of open clients, and an updater that installs new versions when the
// manifest identifier changes.
package lifecycle
