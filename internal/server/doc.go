// Package server hosts the Fiber HTTP service in front of the offline cache
// agent: request-ID and recovery middleware, a catch-all route that hands page
// traffic to the proxy handler, and the reserved /-/ prefix where the control
// routes in package routes live. Keep exports narrow and accept explicit
// dependencies.
package server
