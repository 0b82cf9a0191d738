// Package server hosts the Fiber HTTP service, request middleware chain, and
// scope registry glue that wires Host/port resolution into the fetch
// interceptor. Each ScopeRoute owns the disk cache, origin client and the
// lifecycle workers of one configured scope; the registry is built once at
// startup and shared by the proxy, diagnostics routes and manifest watcher.
// Keep exports narrow and accept explicit dependencies.
package server
