// Package manifest models the build-time Resource Manifest: a flat mapping
// from origin-relative resource path to a content fingerprint, plus the core
// shell list required for first paint. A Manifest is immutable once loaded;
// the same JSON encoding doubles as the manifest-history snapshot persisted
// between worker versions.
package manifest
