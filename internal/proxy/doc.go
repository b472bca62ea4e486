// Package proxy turns page requests arriving at the Fiber front into origin
// requests and serves them through the agent version that controls the page.
package proxy
